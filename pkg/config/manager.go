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

package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
)

func fieldError(field, msg string) error {
	return govErrors.NewValidationError("config", "INVALID_"+field, field+" "+msg)
}

// Partial is a sparse configuration update. Nil fields are left untouched.
type Partial struct {
	Sensitivity      *float64       `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	ScanInterval     *time.Duration `json:"scanInterval,omitempty" yaml:"scanInterval,omitempty"`
	DetectorTimeout  *time.Duration `json:"detectorTimeout,omitempty" yaml:"detectorTimeout,omitempty"`
	SessionTimeout   *time.Duration `json:"sessionTimeout,omitempty" yaml:"sessionTimeout,omitempty"`
	MaxAttempts      *int           `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	LockoutDuration  *time.Duration `json:"lockoutDuration,omitempty" yaml:"lockoutDuration,omitempty"`
	SecondFactorRisk *float64       `json:"secondFactorRisk,omitempty" yaml:"secondFactorRisk,omitempty"`
	ThirdFactorRisk  *float64       `json:"thirdFactorRisk,omitempty" yaml:"thirdFactorRisk,omitempty"`
}

// Manager owns the live configuration, serializing reads and validated merges.
// Updates that fail validation leave the prior config untouched.
type Manager struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	listeners []func(*Config)
}

// NewManager creates a manager around an already-validated configuration.
func NewManager(cfg *Config) *Manager {
	return &Manager{current: cfg, stopCh: make(chan struct{})}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Subscribe registers a callback invoked with the new config after every
// successful update. Callbacks run on the updater's goroutine.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update applies a partial update. The merge is validated as a whole before it
// replaces the current config; on any violation the prior config is retained
// and the error returned.
func (m *Manager) Update(p Partial) error {
	m.mu.Lock()
	candidate := m.current.Clone()
	if p.Sensitivity != nil {
		candidate.Sensitivity = *p.Sensitivity
	}
	if p.ScanInterval != nil {
		candidate.ScanInterval = *p.ScanInterval
	}
	if p.DetectorTimeout != nil {
		candidate.DetectorTimeout = *p.DetectorTimeout
	}
	if p.SessionTimeout != nil {
		candidate.SessionTimeout = *p.SessionTimeout
	}
	if p.MaxAttempts != nil {
		candidate.MaxAttempts = *p.MaxAttempts
	}
	if p.LockoutDuration != nil {
		candidate.LockoutDuration = *p.LockoutDuration
	}
	if p.SecondFactorRisk != nil {
		candidate.SecondFactorRisk = *p.SecondFactorRisk
	}
	if p.ThirdFactorRisk != nil {
		candidate.ThirdFactorRisk = *p.ThirdFactorRisk
	}
	if err := candidate.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.current = candidate
	listeners := append([]func(*Config){}, m.listeners...)
	snapshot := candidate.Clone()
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Watch reloads the config file on change. Invalid file contents are logged
// and ignored; the prior config stays live.
func (m *Manager) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return err
	}

	m.mu.Lock()
	m.path = path
	m.watcher = w
	m.mu.Unlock()

	go m.watchLoop(w, path)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, path string) {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected", logger.Fields{
					Component: "config",
					Operation: "reload",
					Error:     err,
				})
				continue
			}
			m.mu.Lock()
			m.current = cfg
			listeners := append([]func(*Config){}, m.listeners...)
			snapshot := cfg.Clone()
			m.mu.Unlock()
			for _, fn := range listeners {
				fn(snapshot)
			}
			logger.Info("config reloaded", logger.Fields{
				Component: "config",
				Operation: "reload",
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", logger.Fields{
				Component: "config",
				Operation: "watch",
				Error:     err,
			})
		}
	}
}

// Close stops the file watcher. Safe to call more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		m.mu.Unlock()
	})
}
