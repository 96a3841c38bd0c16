// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks host resource usage. The risk engine's network factor
// scorer and the scan loop consult it for load-aware behavior.
type SystemMetrics struct {
	mu            sync.RWMutex
	lastCheckTime time.Time
	lastCPU       float64
	lastMem       float64
}

// NewSystemMetrics creates a new system metrics tracker
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{lastCheckTime: time.Now()}
}

// CPUUsagePercent returns current CPU usage percentage. Results are cached for
// one second to keep repeated calls cheap inside a scan tick.
func (sm *SystemMetrics) CPUUsagePercent() float64 {
	sm.mu.RLock()
	if time.Since(sm.lastCheckTime) < time.Second {
		v := sm.lastCPU
		sm.mu.RUnlock()
		return v
	}
	sm.mu.RUnlock()

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}

	sm.mu.Lock()
	sm.lastCPU = percents[0]
	sm.lastCheckTime = time.Now()
	sm.mu.Unlock()
	return percents[0]
}

// MemoryUsagePercent returns current memory usage percentage
func (sm *SystemMetrics) MemoryUsagePercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	sm.mu.Lock()
	sm.lastMem = vm.UsedPercent
	sm.mu.Unlock()
	return vm.UsedPercent
}

// Goroutines returns the current goroutine count
func (sm *SystemMetrics) Goroutines() int {
	return runtime.NumGoroutine()
}
