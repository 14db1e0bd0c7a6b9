package adapter

import (
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/bridge-shm/bridge"
)

// NewHealthHandler exposes liveness and readiness probes for one
// bridge. Liveness fails once the bridge disabled itself, readiness
// tracks the session state.
func NewHealthHandler(d *bridge.Duplex) http.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("bridge-enabled", func() error {
		if d.State() == "closed" {
			return fmt.Errorf("bridge is closed")
		}
		return nil
	})
	h.AddReadinessCheck("session-running", func() error {
		if !d.Ready() {
			return fmt.Errorf("session is %s", d.State())
		}
		return nil
	})
	return h
}
