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

package response

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sec-posture/governor/pkg/logger"
)

var (
	poolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_response_queue_depth",
			Help: "Current number of response actions waiting for a worker",
		},
	)

	poolWorkProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_response_pool_processed_total",
			Help: "Total number of response work items processed",
		},
		[]string{"status"}, // success, error
	)

	poolWorkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_response_pool_duration_seconds",
			Help:    "Duration of response work item processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// WorkItem is a unit of work for the response worker pool.
type WorkItem interface {
	Process(ctx context.Context) error
}

// Pool runs response actions on a fixed set of workers so a slow executor
// cannot stall the scan loop.
type Pool struct {
	workers       int
	workQueue     chan WorkItem
	maxQueueSize  int
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	activeWorkers int64
	stopOnce      sync.Once

	// stopMu serializes Enqueue against the queue close in Stop.
	stopMu  sync.RWMutex
	stopped bool
}

// NewPool creates a worker pool. Zero or negative arguments fall back to
// defaults.
func NewPool(workerCount, maxQueueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if maxQueueSize <= 0 {
		maxQueueSize = workerCount * 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:      workerCount,
		workQueue:    make(chan WorkItem, maxQueueSize),
		maxQueueSize: maxQueueSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and waits for in-flight work. Safe to call twice.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopMu.Lock()
		p.stopped = true
		close(p.workQueue)
		p.stopMu.Unlock()
		p.wg.Wait()
		p.cancel()
	})
}

// Enqueue adds a work item without blocking. It fails when the queue is full
// or the pool has stopped.
func (p *Pool) Enqueue(work WorkItem) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return fmt.Errorf("response pool stopped")
	}
	select {
	case p.workQueue <- work:
		poolQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("response queue full (max: %d)", p.maxQueueSize)
	}
}

// QueueSize returns the current queue depth.
func (p *Pool) QueueSize() int { return len(p.workQueue) }

// ActiveWorkers returns the number of workers currently processing an item.
func (p *Pool) ActiveWorkers() int { return int(atomic.LoadInt64(&p.activeWorkers)) }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for work := range p.workQueue {
		poolQueueDepth.Dec()
		atomic.AddInt64(&p.activeWorkers, 1)

		start := time.Now()
		err := p.process(work)
		status := "success"
		if err != nil {
			status = "error"
			logger.Error("response work item failed", logger.Fields{
				Component: "response",
				Operation: "process",
				Error:     err,
				Count:     id,
			})
		}
		poolWorkProcessed.WithLabelValues(status).Inc()
		poolWorkDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

		atomic.AddInt64(&p.activeWorkers, -1)
	}
}

// process runs a work item, converting a panic into an error so one bad
// executor cannot take a worker down.
func (p *Pool) process(work WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("response work item panicked: %v", r)
		}
	}()
	return work.Process(p.ctx)
}
