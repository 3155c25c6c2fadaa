// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package scheduler runs the cooperative tick loop that advances the
// workflow engine, drains the spawn queue, sweeps worker heartbeats, and
// samples schedule triggers.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/trigger"
	"github.com/agentfleet/fleetd/pkg/workflow"
)

// DefaultTickInterval is the pause between scheduler passes.
const DefaultTickInterval = time.Second

// Scheduler drives one tick at a time. A tick that is still running when the
// next interval fires causes that interval to be skipped, not queued.
type Scheduler struct {
	engine   *workflow.Engine
	spawner  *spawn.Controller
	registry *registry.Registry
	triggers *trigger.Matcher
	interval time.Duration
	ticking  atomic.Bool
	ticks    atomic.Int64
	skipped  atomic.Int64
	stop     chan struct{}
	done     chan struct{}
}

func New(engine *workflow.Engine, spawner *spawn.Controller, reg *registry.Registry, triggers *trigger.Matcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		engine:   engine,
		spawner:  spawner,
		registry: reg,
		triggers: triggers,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Tick runs one scheduler pass. Concurrent calls are skipped by the
// re-entrancy guard.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		logger.DebugC("scheduler", "tick skipped, previous still running")
		return
	}
	defer s.ticking.Store(false)

	now := time.Now().UTC()
	s.engine.Tick(ctx)
	if err := s.spawner.Drain(ctx); err != nil {
		logger.ErrorCF("scheduler", "spawn drain failed", map[string]any{"error": err.Error()})
	}
	s.registry.Sweep(ctx, now)
	s.triggers.Sample(ctx, now)
	s.ticks.Add(1)
}

// Ticks reports completed passes.
func (s *Scheduler) Ticks() int64 { return s.ticks.Load() }

// Skipped reports passes dropped by the re-entrancy guard.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }
