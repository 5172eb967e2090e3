// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// S3HealthState models the broker's view of object store availability.
type S3HealthState string

const (
	S3StateHealthy     S3HealthState = "healthy"
	S3StateDegraded    S3HealthState = "degraded"
	S3StateUnavailable S3HealthState = "unavailable"
)

// S3HealthStates lists every state in severity order.
var S3HealthStates = []S3HealthState{S3StateHealthy, S3StateDegraded, S3StateUnavailable}

// S3HealthConfig defines thresholds for transitioning between states.
type S3HealthConfig struct {
	Window      time.Duration
	LatencyWarn time.Duration
	LatencyCrit time.Duration
	ErrorWarn   float64
	ErrorCrit   float64
	MaxSamples  int
	Clock       clockwork.Clock
	Logger      *slog.Logger
	// OnStateChange runs outside the monitor lock after every transition.
	OnStateChange func(from, to S3HealthState)
}

// S3HealthMonitor aggregates recent object store operations into a health state.
type S3HealthMonitor struct {
	cfg    S3HealthConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu         sync.Mutex
	samples    []s3Sample
	state      S3HealthState
	stateSince time.Time
	avgLatency time.Duration
	errorRate  float64
	lastErrOp  string
}

type s3Sample struct {
	ts      time.Time
	op      string
	latency time.Duration
	err     bool
}

// S3HealthSnapshot captures the monitor's public metrics.
type S3HealthSnapshot struct {
	State      S3HealthState
	Since      time.Time
	AvgLatency time.Duration
	ErrorRate  float64
	Samples    int
	// LastErrorOp names the most recent failing operation in the window.
	LastErrorOp string
}

// NewS3HealthMonitor builds a health monitor with sane defaults.
func NewS3HealthMonitor(cfg S3HealthConfig) *S3HealthMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 500 * time.Millisecond
	}
	if cfg.LatencyCrit <= 0 {
		cfg.LatencyCrit = 3 * time.Second
	}
	if cfg.ErrorWarn <= 0 {
		cfg.ErrorWarn = 0.2
	}
	if cfg.ErrorCrit <= 0 {
		cfg.ErrorCrit = 0.6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3HealthMonitor{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger.With("component", "s3-health"),
		state:      S3StateHealthy,
		stateSince: cfg.Clock.Now(),
	}
}

// RecordOperation records an object store operation outcome. Its signature
// matches storage.LogHooks.OnS3Op.
func (m *S3HealthMonitor) RecordOperation(op string, latency time.Duration, err error) {
	m.mu.Lock()
	now := m.clock.Now()
	m.samples = append(m.samples, s3Sample{
		ts:      now,
		op:      op,
		latency: latency,
		err:     err != nil,
	})
	if len(m.samples) > m.cfg.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.cfg.MaxSamples:]
	}
	m.truncateLocked(now)
	from, to, changed := m.recomputeLocked(now)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Warn("object store health changed", "from", string(from), "to", string(to), "op", op)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}
}

// Snapshot returns the current state and key aggregates.
func (m *S3HealthMonitor) Snapshot() S3HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return S3HealthSnapshot{
		State:       m.state,
		Since:       m.stateSince,
		AvgLatency:  m.avgLatency,
		ErrorRate:   m.errorRate,
		Samples:     len(m.samples),
		LastErrorOp: m.lastErrOp,
	}
}

// State returns just the current health state.
func (m *S3HealthMonitor) State() S3HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *S3HealthMonitor) truncateLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	idx := 0
	for _, sample := range m.samples {
		if sample.ts.After(cutoff) {
			break
		}
		idx++
	}
	switch {
	case idx >= len(m.samples):
		m.samples = nil
	case idx > 0:
		m.samples = append([]s3Sample(nil), m.samples[idx:]...)
	}
}

func (m *S3HealthMonitor) recomputeLocked(now time.Time) (S3HealthState, S3HealthState, bool) {
	if len(m.samples) == 0 {
		m.avgLatency = 0
		m.errorRate = 0
		m.lastErrOp = ""
		return m.setStateLocked(now, S3StateHealthy)
	}
	var (
		totalLatency time.Duration
		errorCount   int
	)
	m.lastErrOp = ""
	for _, sample := range m.samples {
		totalLatency += sample.latency
		if sample.err {
			errorCount++
			m.lastErrOp = sample.op
		}
	}
	m.avgLatency = totalLatency / time.Duration(len(m.samples))
	m.errorRate = float64(errorCount) / float64(len(m.samples))

	nextState := S3StateHealthy
	if m.avgLatency >= m.cfg.LatencyCrit || m.errorRate >= m.cfg.ErrorCrit {
		nextState = S3StateUnavailable
	} else if m.avgLatency >= m.cfg.LatencyWarn || m.errorRate >= m.cfg.ErrorWarn {
		nextState = S3StateDegraded
	}
	return m.setStateLocked(now, nextState)
}

func (m *S3HealthMonitor) setStateLocked(now time.Time, next S3HealthState) (S3HealthState, S3HealthState, bool) {
	prev := m.state
	if next == prev {
		return prev, next, false
	}
	m.state = next
	m.stateSince = now
	return prev, next, true
}
