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

// Package detect turns raw threat signals into classified threats. Detectors
// are pluggable; a failing detector is logged and skipped so one bad analyzer
// never stalls the scan cycle.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// Detector examines a batch of signals and reports the threats it finds.
type Detector interface {
	Name() string
	Scan(ctx context.Context, signals []types.ThreatSignal) ([]types.Threat, error)
}

// Buffer queues raw signals between scan cycles.
type Buffer struct {
	mu      sync.Mutex
	signals []types.ThreatSignal
	maxSize int
}

// NewBuffer creates a buffer holding at most maxSize pending signals. The
// oldest signals are dropped on overflow.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Buffer{maxSize: maxSize}
}

// Push enqueues a signal.
func (b *Buffer) Push(s types.ThreatSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, s)
	if len(b.signals) > b.maxSize {
		drop := len(b.signals) - b.maxSize
		b.signals = append(b.signals[:0:0], b.signals[drop:]...)
	}
}

// Drain returns the pending signals and clears the buffer.
func (b *Buffer) Drain() []types.ThreatSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.signals
	b.signals = nil
	return out
}

// Len returns the number of pending signals.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signals)
}

// Runner executes all registered detectors over a signal batch.
type Runner struct {
	mu          sync.RWMutex
	detectors   []Detector
	timeout     time.Duration
	sensitivity float64 // confidence floor, threats below it are discarded
	clk         clock.Clock
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds a single detector scan.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSensitivity sets the confidence floor.
func WithSensitivity(s float64) RunnerOption {
	return func(r *Runner) { r.sensitivity = s }
}

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) { r.clk = c }
}

// NewRunner creates a runner over the given detectors.
func NewRunner(detectors []Detector, opts ...RunnerOption) *Runner {
	r := &Runner{
		detectors:   detectors,
		timeout:     500 * time.Millisecond,
		sensitivity: 0.5,
		clk:         clock.Real{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSensitivity updates the confidence floor, from a configuration change.
func (r *Runner) SetSensitivity(s float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensitivity = s
}

// SetTimeout updates the per-detector bound.
func (r *Runner) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Run scans the batch with every detector. Detector errors and timeouts are
// counted and logged, never propagated; the remaining detectors still run.
func (r *Runner) Run(ctx context.Context, signals []types.ThreatSignal) []types.Threat {
	r.mu.RLock()
	detectors := r.detectors
	timeout := r.timeout
	floor := r.sensitivity
	r.mu.RUnlock()

	var out []types.Threat
	for _, d := range detectors {
		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		found, err := d.Scan(scanCtx, signals)
		cancel()
		if err != nil {
			metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
			logger.Warn("detector failed", logger.Fields{
				Component: "detect",
				Detector:  d.Name(),
				Error:     err,
			})
			continue
		}
		for _, t := range found {
			if t.Confidence < floor {
				continue
			}
			if t.Source == "" {
				t.Source = d.Name()
			}
			if t.DetectedAt.IsZero() {
				t.DetectedAt = r.clk.Now()
			}
			out = append(out, t)
		}
	}
	return out
}
