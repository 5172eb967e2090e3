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

package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CleanerConfig configures the maintenance loop.
type CleanerConfig struct {
	// Interval between passes (default: 1s).
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	// OnPass is called after every pass with the number of deleted segments.
	OnPass func(deleted int, took time.Duration)
}

// Cleaner periodically flushes due write buffers and applies retention to
// every registered log, independent of appends and reads.
type Cleaner struct {
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	onPass   func(int, time.Duration)

	mu   sync.Mutex
	logs map[PartitionID]*PartitionLog

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleaner creates a stopped cleaner.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Cleaner{
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "cleaner"),
		onPass:   cfg.OnPass,
		logs:     make(map[PartitionID]*PartitionLog),
	}
}

// Register adds a log to every following pass.
func (c *Cleaner) Register(log *PartitionLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[log.ID()] = log
}

// Unregister removes a log.
func (c *Cleaner) Unregister(id PartitionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, id)
}

// Start runs passes until ctx is done or Stop is called.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop cancels the loop and waits for the running pass.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("cleaner started", "interval", c.interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleaner stopped")
			return
		case <-ticker.Chan():
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one flush and retention pass over every log and returns
// the number of deleted segments.
func (c *Cleaner) RunOnce(ctx context.Context) int {
	start := c.clock.Now()
	c.mu.Lock()
	logs := make([]*PartitionLog, 0, len(c.logs))
	for _, log := range c.logs {
		logs = append(logs, log)
	}
	c.mu.Unlock()

	deleted := 0
	for _, log := range logs {
		now := c.clock.Now()
		if _, err := log.MaybeFlush(ctx, now); err != nil {
			c.logger.Warn("flush failed", "partition", log.ID().String(), "error", err)
		}
		n, err := log.Cleanup(ctx, now)
		if err != nil {
			c.logger.Warn("cleanup failed", "partition", log.ID().String(), "error", err)
		}
		deleted += n
	}
	if c.onPass != nil {
		c.onPass(deleted, c.clock.Since(start))
	}
	return deleted
}
