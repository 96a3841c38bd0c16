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

// Package governor wires the posture components together and drives the
// periodic scan-evaluate-respond cycle: drain queued signals, run detectors,
// register threats, escalate the security level, and dispatch responses.
package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/auth"
	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/config"
	"github.com/sec-posture/governor/pkg/detect"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/level"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/notify"
	"github.com/sec-posture/governor/pkg/persist"
	"github.com/sec-posture/governor/pkg/registry"
	"github.com/sec-posture/governor/pkg/response"
	"github.com/sec-posture/governor/pkg/risk"
	"github.com/sec-posture/governor/pkg/types"
)

// Governor owns the component graph and the scan loop.
type Governor struct {
	cfg       *config.Manager
	log       *audit.Log
	reg       *registry.Registry
	engine    *risk.Engine
	lockouts  *auth.Tracker
	sessions  *auth.Manager
	totp      *auth.TOTPVerifier
	passwords *auth.PasswordVerifier
	machine   *level.Machine
	gate      *level.CapabilityGate
	coord     *response.Coordinator
	notifier  *notify.Dispatcher
	buffer    *detect.Buffer
	runner    *detect.Runner
	store     *persist.Store
	system    *metrics.SystemMetrics
	blocked   *blocklist
	clk       clock.Clock

	scanning int32 // single-flight guard for scan cycles
	started  int32
	stopped  int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock substitutes the clock everywhere, used by tests.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) { g.clk = c }
}

// WithStore attaches an already-open persistence store.
func WithStore(s *persist.Store) Option {
	return func(g *Governor) { g.store = s }
}

// WithNotifier substitutes the notification dispatcher.
func WithNotifier(d *notify.Dispatcher) Option {
	return func(g *Governor) { g.notifier = d }
}

// New builds the full component graph from the configuration. The returned
// governor is idle until Start.
func New(cfgMgr *config.Manager, opts ...Option) (*Governor, error) {
	cfg := cfgMgr.Get()

	g := &Governor{
		cfg:     cfgMgr,
		clk:     clock.Real{},
		system:  metrics.NewSystemMetrics(),
		blocked: newBlocklist(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil && cfg.DatabasePath != "" {
		store, err := persist.Open(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		g.store = store
	}

	auditOpts := []audit.Option{audit.WithCap(cfg.EventLogCap), audit.WithClock(g.clk)}
	if g.store != nil {
		auditOpts = append(auditOpts, audit.WithSink(g.store))
	}
	g.log = audit.NewLog(auditOpts...)

	g.reg = registry.New(
		registry.WithClock(g.clk),
		registry.WithSignalRate(cfg.MaxSignalsPerSec),
	)

	g.lockouts = auth.NewTracker(cfg.MaxAttempts, cfg.LockoutDuration, g.clk)

	g.engine = risk.NewEngine(
		risk.WithClock(g.clk),
		risk.WithScorer(types.FactorTime, risk.NewTimeOfDayScorer(g.clk)),
		risk.WithScorer(types.FactorBehavior,
			risk.NewFailureHistoryScorer(cfg.LockoutDuration, g.clk, g.lockouts.CountFailures)),
		risk.WithScorer(types.FactorNetwork, risk.ScorerFunc(g.networkRisk)),
	)

	g.totp = auth.NewTOTPVerifier("posture-governor")
	g.passwords = auth.NewPasswordVerifier()
	g.sessions = auth.NewManager(g.engine, g.lockouts, g.log,
		auth.WithClock(g.clk),
		auth.WithSessionTimeout(cfg.SessionTimeout),
		auth.WithFactorThresholds(cfg.SecondFactorRisk, cfg.ThirdFactorRisk),
		auth.WithVerifier(types.FactorPassword, g.passwords),
		auth.WithVerifier(types.FactorTOTP, g.totp),
		auth.WithSuspicionListener(g.onSuspicion),
		auth.WithLockoutListener(g.onLockout),
	)

	g.gate = level.NewCapabilityGate(
		"bulk-export", "payment", "account-settings", "api-access",
	)
	machine, err := level.NewMachine(types.DefaultLevels(),
		level.WithClock(g.clk),
		level.WithApplier(g.gate),
		level.WithListener(g.onTransition),
	)
	if err != nil {
		return nil, err
	}
	g.machine = machine

	if g.notifier == nil {
		g.notifier = notify.NewDispatcher(notify.WithClock(g.clk))
		g.notifier.Bind(notify.LogChannel{})
		if cfg.WebhookURL != "" {
			g.notifier.Bind(notify.NewWebhookChannel(cfg.WebhookURL),
				notify.Filter{Field: "severity", Operator: "min_severity", Value: string(types.SeverityMedium)})
		}
		if cfg.NATSURL != "" {
			nc, err := notify.NewNATSChannel(cfg.NATSURL, cfg.NATSSubject)
			if err != nil {
				logger.Warn("NATS channel unavailable", logger.Fields{
					Component: "governor",
					Error:     err,
				})
			} else {
				g.notifier.Bind(nc)
			}
		}
	}

	g.coord = response.NewCoordinator(g.log, response.WithClock(g.clk))
	g.registerExecutors()

	g.buffer = detect.NewBuffer(0)
	g.runner = detect.NewRunner(
		[]detect.Detector{
			detect.NewSignatureDetector(),
			detect.NewLoginAnomalyDetector(),
		},
		detect.WithClock(g.clk),
		detect.WithTimeout(cfg.DetectorTimeout),
		detect.WithSensitivity(cfg.Sensitivity),
	)

	cfgMgr.Subscribe(g.onConfigChange)

	if g.store != nil {
		if err := g.restore(); err != nil {
			logger.Warn("could not restore persisted threats", logger.Fields{
				Component: "governor",
				Error:     err,
			})
		}
	}
	return g, nil
}

// restore reloads persisted active threats and lockouts still in force.
func (g *Governor) restore() error {
	threats, err := g.store.LoadActiveThreats()
	if err != nil {
		return err
	}
	for _, t := range threats {
		// Bypass source rate limiting on restore.
		t.Source = ""
		g.reg.Upsert(t)
	}
	if len(threats) > 0 {
		logger.Info("restored persisted threats", logger.Fields{
			Component: "governor",
			Count:     len(threats),
		})
	}
	lockouts, err := g.store.LoadLockouts(g.clk.Now())
	if err != nil {
		return err
	}
	if len(lockouts) > 0 {
		g.lockouts.Restore(lockouts)
		logger.Info("restored persisted lockouts", logger.Fields{
			Component: "governor",
			Count:     len(lockouts),
		})
	}
	return nil
}

// Start launches the scan loop and background workers. Calling Start twice is
// a no-op.
func (g *Governor) Start() {
	if !atomic.CompareAndSwapInt32(&g.started, 0, 1) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.notifier.Start()
	g.coord.Start()

	g.wg.Add(1)
	go g.scanLoop(ctx)

	logger.Info("governor started", logger.Fields{
		Component: "governor",
		Additional: map[string]interface{}{
			"scan_interval": g.cfg.Get().ScanInterval.String(),
		},
	})
}

// Stop shuts the governor down: scan loop, response pool, notification
// dispatcher, session timers, and the persistence store. Safe to call twice.
func (g *Governor) Stop() {
	if atomic.LoadInt32(&g.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&g.stopped, 0, 1) {
		return
	}
	g.cancel()
	g.wg.Wait()
	g.coord.Stop()
	g.notifier.Stop()
	g.machine.Stop()
	g.sessions.Stop()
	g.cfg.Close()
	if g.store != nil {
		g.store.Close()
	}
	logger.Info("governor stopped", logger.Fields{Component: "governor"})
}

// scanLoop drives the periodic cycle. The interval follows configuration
// changes without restart.
func (g *Governor) scanLoop(ctx context.Context) {
	defer g.wg.Done()
	interval := g.cfg.Get().ScanInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := g.cfg.Get().ScanInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			g.Scan(ctx)
		}
	}
}

// Scan runs one scan-evaluate-respond cycle. Overlapping cycles are skipped:
// if a previous cycle is still in flight, the call returns immediately.
func (g *Governor) Scan(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&g.scanning, 0, 1) {
		metrics.ScansSkipped.Inc()
		return
	}
	defer atomic.StoreInt32(&g.scanning, 0)

	start := time.Now()
	defer func() {
		metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	signals := g.buffer.Drain()
	for _, t := range g.runner.Run(ctx, signals) {
		g.admit(t)
	}

	active := g.reg.Active()
	if tr, err := g.machine.Evaluate(active); err == nil && tr == nil {
		if _, err := g.machine.TickDeescalation(); err != nil {
			logger.Warn("de-escalation failed", logger.Fields{
				Component: "governor",
				Error:     err,
			})
		}
	}
}

// admit registers a detected threat and triggers the incident pipeline. It
// returns the stored threat, which is nil when the source was rate limited.
func (g *Governor) admit(t types.Threat) *types.Threat {
	res := g.reg.Upsert(t)
	if res.RateLimited {
		logger.Warn("threat signal rate limited", logger.Fields{
			Component: "governor",
			Additional: map[string]interface{}{
				"source": t.Source,
			},
		})
		return nil
	}
	if !res.Created {
		return res.Threat
	}
	stored := *res.Threat

	g.log.Append(types.EventThreatDetected, stored.Severity, stored.Principal,
		"threat detected: "+stored.Description,
		map[string]interface{}{
			"threat_id": stored.ID,
			"type":      string(stored.Type),
			"source":    stored.Source,
		})
	if g.store != nil {
		if err := g.store.SaveThreat(stored); err != nil {
			logger.Warn("could not persist threat", logger.Fields{
				Component: "governor",
				ThreatID:  stored.ID,
				Error:     err,
			})
		}
	}
	if stored.Severity.AtLeast(types.SeverityHigh) {
		g.notifier.Publish(notify.Notification{
			Kind:     notify.KindThreat,
			Audience: notify.AudienceAdmin,
			Severity: stored.Severity,
			Title:    "threat detected",
			Body:     stored.Description,
			Details: map[string]interface{}{
				"threat_id": stored.ID,
				"type":      string(stored.Type),
			},
		})
	}

	g.coord.Respond(stored)
	return res.Threat
}

// ReportThreat registers an externally classified threat, bypassing the
// detectors. The incident pipeline still runs.
func (g *Governor) ReportThreat(t types.Threat) (*types.Threat, error) {
	if !t.Severity.Valid() {
		return nil, govErrors.NewValidationError("governor", "BAD_SEVERITY",
			"unknown severity "+string(t.Severity))
	}
	if t.Type == "" {
		return nil, govErrors.NewValidationError("governor", "BAD_TYPE", "threat type required")
	}
	stored := g.admit(t)
	if stored == nil {
		return nil, govErrors.NewValidationError("governor", "RATE_LIMITED",
			"signal source rate limited")
	}
	// Reported threats escalate immediately rather than on the next cycle.
	if _, err := g.machine.Evaluate(g.reg.Active()); err != nil {
		logger.Warn("level evaluation failed", logger.Fields{
			Component: "governor",
			Error:     err,
		})
	}
	return stored, nil
}

// Ingest queues a raw signal for the next scan cycle.
func (g *Governor) Ingest(s types.ThreatSignal) {
	if s.Timestamp.IsZero() {
		s.Timestamp = g.clk.Now()
	}
	g.buffer.Push(s)
}

// networkRisk is the network factor scorer: host pressure and the volume of
// active network-borne threats raise the ambient network risk for everyone.
func (g *Governor) networkRisk(string) float64 {
	score := 0.0
	for _, t := range g.reg.Active() {
		switch t.Type {
		case types.ThreatDenialOfService, types.ThreatManInTheMiddle, types.ThreatCredentialStuffing:
			score += 20
		}
	}
	if g.system.CPUUsagePercent() > 90 {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}
