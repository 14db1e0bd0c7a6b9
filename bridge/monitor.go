/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bridge

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// Monitor collects bridge metrics on its own registry so several
// bridges in one process never collide. Every recording method accepts
// a nil receiver, a bridge without a monitor pays only the nil check.
type Monitor struct {
	reg    *prometheus.Registry
	health healthcheck.Handler

	state          prometheus.Gauge
	disabledTotal  prometheus.Counter
	pushedTotal    *prometheus.CounterVec
	poppedTotal    *prometheus.CounterVec
	cellsStagedSum prometheus.Counter
	cellsPulledSum prometheus.Counter
	overwriteWaits prometheus.Counter
	overwriteDone  prometheus.Counter
	parityErrors   prometheus.Counter
	callsInflight  prometheus.Gauge
	callLatency    prometheus.Histogram
	heapChunksLive prometheus.Gauge
	heapAllocs     prometheus.Counter
	heapSegments   prometheus.Gauge
	heapExhausts   prometheus.Counter
}

// NewMonitor builds a monitor labeled with the bridge token. Hand it to
// Config.Monitor before the bridge is constructed.
func NewMonitor(token string) *Monitor {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"token": token}
	m := &Monitor{
		reg:    reg,
		health: healthcheck.NewMetricsHandler(reg, "shmbridge"),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbridge", Name: "session_state",
			Help: "Session state of the bridge as its numeric code.", ConstLabels: labels,
		}),
		disabledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "disabled_total",
			Help: "Times the bridge disabled itself after exhausting retries.", ConstLabels: labels,
		}),
		pushedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "commands_pushed_total",
			Help: "Commands pushed to the peer.", ConstLabels: labels,
		}, []string{"command"}),
		poppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "commands_popped_total",
			Help: "Commands consumed from the peer.", ConstLabels: labels,
		}, []string{"command"}),
		cellsStagedSum: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "data_cells_staged_total",
			Help: "Data channel cells written.", ConstLabels: labels,
		}),
		cellsPulledSum: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "data_cells_pulled_total",
			Help: "Data channel cells read.", ConstLabels: labels,
		}),
		overwriteWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "overwrite_waits_total",
			Help: "Times a writer stalled to avoid overwriting unread data.", ConstLabels: labels,
		}),
		overwriteDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "overwrite_resolved_total",
			Help: "Overwrite stalls that resolved before the retry budget.", ConstLabels: labels,
		}),
		parityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "data_parity_errors_total",
			Help: "Headers whose data offset disagreed with the reader position.", ConstLabels: labels,
		}),
		callsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbridge", Name: "calls_inflight",
			Help: "Calls between first staged cell and response.", ConstLabels: labels,
		}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shmbridge", Name: "call_duration_seconds",
			Help:        "Round trip duration of completed calls.",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 2, 20),
			ConstLabels: labels,
		}),
		heapChunksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbridge", Name: "heap_chunks_live",
			Help: "Chunks currently allocated from the shared heap.", ConstLabels: labels,
		}),
		heapAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "heap_allocs_total",
			Help: "Completed shared heap allocations.", ConstLabels: labels,
		}),
		heapSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbridge", Name: "heap_segments",
			Help: "Mapped shared heap segments.", ConstLabels: labels,
		}),
		heapExhausts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbridge", Name: "heap_exhausted_total",
			Help: "Allocations refused after the allocation budget.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		m.state, m.disabledTotal, m.pushedTotal, m.poppedTotal,
		m.cellsStagedSum, m.cellsPulledSum, m.overwriteWaits, m.overwriteDone,
		m.parityErrors, m.callsInflight, m.callLatency,
		m.heapChunksLive, m.heapAllocs, m.heapSegments, m.heapExhausts,
	)
	return m
}

// Registry exposes the metrics for scraping.
func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Health serves the liveness and readiness endpoints bound to the
// bridge this monitor was attached to.
func (m *Monitor) Health() http.Handler {
	if m == nil {
		return nil
	}
	return m.health
}

// bindHealth attaches the standard checks once the duplex exists.
func (m *Monitor) bindHealth(d *Duplex) {
	if m == nil {
		return
	}
	m.health.AddLivenessCheck("bridge-enabled", func() error {
		if d.isDisabled() {
			return fmt.Errorf("bridge disabled after send failures")
		}
		return nil
	})
	m.health.AddReadinessCheck("session-running", func() error {
		if s := d.sessionState(); s != stateRunning {
			return fmt.Errorf("session is %s", s.String())
		}
		return nil
	})
}

func (m *Monitor) observeState(s uint32) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Monitor) bridgeDisabled() {
	if m == nil {
		return
	}
	m.disabledTotal.Inc()
}

func (m *Monitor) commandPushed(c Command) {
	if m == nil {
		return
	}
	m.pushedTotal.WithLabelValues(c.String()).Inc()
}

func (m *Monitor) commandPopped(c Command) {
	if m == nil {
		return
	}
	m.poppedTotal.WithLabelValues(c.String()).Inc()
}

func (m *Monitor) cellsStaged(n uint32) {
	if m == nil {
		return
	}
	m.cellsStagedSum.Add(float64(n))
}

func (m *Monitor) cellsPulled(n uint32) {
	if m == nil {
		return
	}
	m.cellsPulledSum.Add(float64(n))
}

func (m *Monitor) overwriteWait() {
	if m == nil {
		return
	}
	m.overwriteWaits.Inc()
}

func (m *Monitor) overwriteResolved() {
	if m == nil {
		return
	}
	m.overwriteDone.Inc()
}

func (m *Monitor) parityMismatch() {
	if m == nil {
		return
	}
	m.parityErrors.Inc()
}

func (m *Monitor) callStarted() {
	if m == nil {
		return
	}
	m.callsInflight.Inc()
}

func (m *Monitor) callFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.callsInflight.Dec()
	m.callLatency.Observe(d.Seconds())
}

func (m *Monitor) heapAlloc(chunks uint32) {
	if m == nil {
		return
	}
	m.heapAllocs.Inc()
	m.heapChunksLive.Add(float64(chunks))
}

func (m *Monitor) heapDealloc(chunks uint32) {
	if m == nil {
		return
	}
	m.heapChunksLive.Sub(float64(chunks))
}

func (m *Monitor) heapSegmentAdded() {
	if m == nil {
		return
	}
	m.heapSegments.Inc()
}

func (m *Monitor) heapExhausted() {
	if m == nil {
		return
	}
	m.heapExhausts.Inc()
}
