// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package memory is a non-durable Backend kept entirely in process memory.
// It backs STORAGE_BACKEND=memory and the package test suites. All ordering
// contracts match the sqlite reference backend.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Store implements store.Backend on in-process maps.
type Store struct {
	mu sync.RWMutex

	users       map[identity.UID]*store.User
	tasks       map[string]*store.Task
	workItems   map[string]*store.WorkItem
	events      []*store.WorkItemEvent
	nextEventID int64
	batches     map[string]*store.Batch
	mail        map[string]*store.Mail
	mailOrder   []string
	handoffs    map[string]*store.Handoff
	board       []*store.BlackboardMessage
	spawnReqs   map[string]*store.SpawnRequest
	spawnOrder  []string
	workers     map[identity.Handle]*store.Worker
	checkpoints map[string]*store.Checkpoint
	workflows   map[string]*store.Workflow
	executions  map[string]*store.Execution
	execOrder   []string
	steps       map[string]*store.Step
	stepOrder   []string
	triggers    map[string]*store.Trigger
	trigOrder   []string
}

var _ store.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[identity.UID]*store.User),
		tasks:       make(map[string]*store.Task),
		workItems:   make(map[string]*store.WorkItem),
		batches:     make(map[string]*store.Batch),
		mail:        make(map[string]*store.Mail),
		handoffs:    make(map[string]*store.Handoff),
		spawnReqs:   make(map[string]*store.SpawnRequest),
		workers:     make(map[identity.Handle]*store.Worker),
		checkpoints: make(map[string]*store.Checkpoint),
		workflows:   make(map[string]*store.Workflow),
		executions:  make(map[string]*store.Execution),
		steps:       make(map[string]*store.Step),
		triggers:    make(map[string]*store.Trigger),
	}
}

func (s *Store) Close() error { return nil }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// sortByCreatedAt orders by (createdAt, id) ascending, the same ordering
// contract the sqlite backend gets from ORDER BY created_at, id.
func sortByCreatedAt[T any](list []T, key func(T) (time.Time, string)) {
	sort.Slice(list, func(i, j int) bool {
		ti, idi := key(list[i])
		tj, idj := key(list[j])
		if ti.Equal(tj) {
			return idi < idj
		}
		return ti.Before(tj)
	})
}

func cloneHandles(in []identity.Handle) []identity.Handle {
	if in == nil {
		return nil
	}
	out := make([]identity.Handle, len(in))
	copy(out, in)
	return out
}
