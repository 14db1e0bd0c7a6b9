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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitorNilSafety(t *testing.T) {
	fmt.Println("-----------test monitor nil safety ----------------")
	var m *Monitor

	m.observeState(3)
	m.bridgeDisabled()
	m.commandPushed(CmdSyn)
	m.commandPopped(CmdResponse)
	m.cellsStaged(10)
	m.cellsPulled(10)
	m.overwriteWait()
	m.overwriteResolved()
	m.parityMismatch()
	m.callStarted()
	m.callFinished(time.Millisecond)
	m.heapAlloc(4)
	m.heapDealloc(4)
	m.heapSegmentAdded()
	m.heapExhausted()
	m.bindHealth(nil)

	assert.True(t, m.Registry() == nil)
	assert.True(t, m.Health() == nil)
}

func TestMonitorCounters(t *testing.T) {
	fmt.Println("-----------test monitor counters ----------------")
	m := NewMonitor("monitor_test")

	m.observeState(uint32(stateRunning))
	m.commandPushed(CmdSyn)
	m.commandPushed(CmdSyn)
	m.commandPushed(CmdResponse)
	m.commandPopped(CmdAck)
	m.cellsStaged(100)
	m.cellsPulled(60)
	m.overwriteWait()
	m.overwriteResolved()
	m.parityMismatch()
	m.callStarted()
	m.callStarted()
	m.callFinished(2 * time.Millisecond)
	m.heapAlloc(3)
	m.heapAlloc(2)
	m.heapDealloc(2)
	m.heapSegmentAdded()
	m.heapExhausted()

	assert.Equal(t, float64(stateRunning), gatherValue(t, m, "shmbridge_session_state"))
	assert.Equal(t, float64(3), gatherValue(t, m, "shmbridge_commands_pushed_total"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_commands_popped_total"))
	assert.Equal(t, float64(100), gatherValue(t, m, "shmbridge_data_cells_staged_total"))
	assert.Equal(t, float64(60), gatherValue(t, m, "shmbridge_data_cells_pulled_total"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_overwrite_waits_total"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_overwrite_resolved_total"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_data_parity_errors_total"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_calls_inflight"))
	assert.Equal(t, float64(2), gatherValue(t, m, "shmbridge_heap_allocs_total"))
	assert.Equal(t, float64(3), gatherValue(t, m, "shmbridge_heap_chunks_live"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_heap_segments"))
	assert.Equal(t, float64(1), gatherValue(t, m, "shmbridge_heap_exhausted_total"))
}

func TestMonitorHealth(t *testing.T) {
	fmt.Println("-----------test monitor health ----------------")
	m := NewMonitor("monitor_health_test")
	d := &Duplex{mon: m}
	m.bindHealth(d)

	// liveness holds as long as the bridge did not disable itself
	assert.Equal(t, 200, healthStatus(m, "/live"))

	// readiness requires a running session
	assert.Equal(t, 503, healthStatus(m, "/ready"))
	d.setState(stateRunning)
	assert.Equal(t, 200, healthStatus(m, "/ready"))
	d.setState(stateClosed)
	assert.Equal(t, 503, healthStatus(m, "/ready"))

	atomic.StoreUint32(&d.disabled, 1)
	assert.Equal(t, 503, healthStatus(m, "/live"))
}

// gatherValue sums every sample of the named family, counters and
// gauges look alike through the dto surface.
func gatherValue(t *testing.T, m *Monitor, name string) float64 {
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := float64(0)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func healthStatus(m *Monitor, path string) int {
	req, _ := http.NewRequest("GET", path, nil)
	rw := &testResponseWriter{}
	m.Health().ServeHTTP(rw, req)
	return rw.status
}
