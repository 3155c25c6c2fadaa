// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package trigger matches triggers against bus events, schedules, webhook
// posts, and blackboard messages, and launches workflow executions for the
// ones that fire.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/workflow"
)

// Trigger configs, one per trigger type.

type EventConfig struct {
	Event  string         `json:"event"`
	Filter map[string]any `json:"filter,omitempty"`
}

type ScheduleConfig struct {
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Cron       string `json:"cron,omitempty"`
}

type WebhookConfig struct {
	Secret string `json:"secret,omitempty"`
}

type BlackboardConfig struct {
	SwarmID     string         `json:"swarmId"`
	MessageType string         `json:"messageType,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
}

// Matcher owns trigger rows and decides when each fires. Event and
// blackboard triggers react to bus traffic; schedule triggers are sampled by
// the scheduler tick; webhook triggers fire through HandleWebhook.
type Matcher struct {
	mu     sync.Mutex
	store  store.WorkflowStore
	engine *workflow.Engine
	bus    *bus.EventBus
	gron   *gronx.Gronx
	sub    bus.Subscription
	firing bool
}

func NewMatcher(st store.WorkflowStore, engine *workflow.Engine, b *bus.EventBus) *Matcher {
	return &Matcher{
		store:  st,
		engine: engine,
		bus:    b,
		gron:   gronx.New(),
	}
}

// Start subscribes the matcher to the event bus.
func (m *Matcher) Start() {
	m.sub = m.bus.SubscribeAll(m.handleEvent)
}

func (m *Matcher) Stop() {
	m.bus.Unsubscribe(m.sub)
}

// Create validates and persists a trigger. The workflow must exist and the
// config must parse for the trigger's type.
func (m *Matcher) Create(ctx context.Context, workflowID string, ttype store.TriggerType, config json.RawMessage, enabled bool) (*store.Trigger, error) {
	if _, err := m.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if err := m.validateConfig(ttype, config); err != nil {
		return nil, err
	}
	t := &store.Trigger{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		TriggerType: ttype,
		Config:      config,
		IsEnabled:   enabled,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateTrigger(ctx, t); err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}
	return t, nil
}

func (m *Matcher) validateConfig(ttype store.TriggerType, config json.RawMessage) error {
	switch ttype {
	case store.TriggerEvent:
		var cfg EventConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return &store.ValidationError{Field: "config", Reason: err.Error()}
		}
		if cfg.Event == "" {
			return &store.ValidationError{Field: "config.event", Reason: "required"}
		}
	case store.TriggerSchedule:
		var cfg ScheduleConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return &store.ValidationError{Field: "config", Reason: err.Error()}
		}
		if cfg.IntervalMs <= 0 && cfg.Cron == "" {
			return &store.ValidationError{Field: "config", Reason: "intervalMs or cron required"}
		}
		if cfg.Cron != "" && !m.gron.IsValid(cfg.Cron) {
			return &store.ValidationError{Field: "config.cron", Reason: fmt.Sprintf("invalid cron expression %q", cfg.Cron)}
		}
	case store.TriggerWebhook:
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return &store.ValidationError{Field: "config", Reason: err.Error()}
		}
	case store.TriggerBlackboard:
		var cfg BlackboardConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return &store.ValidationError{Field: "config", Reason: err.Error()}
		}
		if cfg.SwarmID == "" {
			return &store.ValidationError{Field: "config.swarmId", Reason: "required"}
		}
	default:
		return &store.ValidationError{Field: "triggerType", Reason: fmt.Sprintf("unknown trigger type %q", ttype)}
	}
	return nil
}

func (m *Matcher) Get(ctx context.Context, id string) (*store.Trigger, error) {
	return m.store.GetTrigger(ctx, id)
}

func (m *Matcher) List(ctx context.Context) ([]*store.Trigger, error) {
	return m.store.ListTriggers(ctx, false)
}

func (m *Matcher) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if _, err := m.store.GetTrigger(ctx, id); err != nil {
		return err
	}
	return m.store.UpdateTriggerEnabled(ctx, id, enabled)
}

func (m *Matcher) Delete(ctx context.Context, id string) error {
	return m.store.DeleteTrigger(ctx, id)
}

// handleEvent runs on the publisher's goroutine. Events emitted while a
// firing is in progress do not re-enter the matcher, so a trigger on
// workflow:started cannot loop.
func (m *Matcher) handleEvent(ev bus.Event) {
	m.mu.Lock()
	if m.firing {
		m.mu.Unlock()
		return
	}
	m.firing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.firing = false
		m.mu.Unlock()
	}()

	ctx := context.Background()
	triggers, err := m.store.ListTriggers(ctx, true)
	if err != nil {
		logger.ErrorCF("trigger", "list triggers failed", map[string]any{"error": err.Error()})
		return
	}
	for _, t := range triggers {
		switch t.TriggerType {
		case store.TriggerEvent:
			if m.matchEvent(t, ev) {
				m.fire(ctx, t, ev.Payload)
			}
		case store.TriggerBlackboard:
			if ev.Name == bus.EventBlackboardPosted && m.matchBlackboard(t, ev) {
				m.fire(ctx, t, ev.Payload)
			}
		}
	}
}

func (m *Matcher) matchEvent(t *store.Trigger, ev bus.Event) bool {
	var cfg EventConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return false
	}
	if cfg.Event != ev.Name {
		return false
	}
	return matchFilter(cfg.Filter, ev.Payload)
}

func (m *Matcher) matchBlackboard(t *store.Trigger, ev bus.Event) bool {
	var cfg BlackboardConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return false
	}
	if swarm, _ := ev.Payload["swarmId"].(string); swarm != cfg.SwarmID {
		return false
	}
	if cfg.MessageType != "" {
		if mt, _ := ev.Payload["messageType"].(string); mt != cfg.MessageType {
			return false
		}
	}
	return matchFilter(cfg.Filter, ev.Payload)
}

// matchFilter requires every filter key to be present and equal in the
// payload. Numbers compare as float64 since filters come from JSON.
func matchFilter(filter, payload map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || !looseEqual(want, got) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Sample fires every due schedule trigger. Interval triggers fire when
// now - lastFiredAt reaches intervalMs (immediately when never fired); cron
// triggers fire when a cron boundary was crossed since the last firing.
func (m *Matcher) Sample(ctx context.Context, now time.Time) {
	triggers, err := m.store.ListTriggers(ctx, true)
	if err != nil {
		logger.ErrorCF("trigger", "list triggers failed", map[string]any{"error": err.Error()})
		return
	}
	for _, t := range triggers {
		if t.TriggerType != store.TriggerSchedule {
			continue
		}
		var cfg ScheduleConfig
		if err := json.Unmarshal(t.Config, &cfg); err != nil {
			continue
		}
		if m.scheduleDue(cfg, t.LastFiredAt, now) {
			m.fire(ctx, t, map[string]any{"scheduledAt": now.Format(time.RFC3339)})
		}
	}
}

func (m *Matcher) scheduleDue(cfg ScheduleConfig, lastFiredAt *time.Time, now time.Time) bool {
	if cfg.Cron != "" {
		if lastFiredAt == nil {
			due, err := m.gron.IsDue(cfg.Cron, now)
			return err == nil && due
		}
		next, err := gronx.NextTickAfter(cfg.Cron, *lastFiredAt, false)
		return err == nil && !next.After(now)
	}
	if cfg.IntervalMs <= 0 {
		return false
	}
	if lastFiredAt == nil {
		return true
	}
	return now.Sub(*lastFiredAt) >= time.Duration(cfg.IntervalMs)*time.Millisecond
}

// HandleWebhook fires a webhook trigger from an external POST. When the
// trigger carries a secret the request must present the hex HMAC-SHA256 of
// the raw body.
func (m *Matcher) HandleWebhook(ctx context.Context, id string, body []byte, signature string) (*store.Execution, error) {
	t, err := m.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.TriggerType != store.TriggerWebhook {
		return nil, &store.ValidationError{Field: "triggerType", Reason: "not a webhook trigger"}
	}
	if !t.IsEnabled {
		return nil, &store.ConflictError{Reason: "trigger is disabled"}
	}
	var cfg WebhookConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, fmt.Errorf("trigger config: %w", err)
	}
	if cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(want), []byte(signature)) {
			return nil, store.ErrUnauthorized
		}
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{"raw": string(body)}
		}
	}
	return m.fire(ctx, t, payload)
}

func (m *Matcher) fire(ctx context.Context, t *store.Trigger, payload map[string]any) (*store.Execution, error) {
	exec, err := m.engine.Start(ctx, workflow.StartRequest{
		WorkflowID: t.WorkflowID,
		Trigger:    payload,
		CreatedBy:  "trigger",
	})
	if err != nil {
		logger.ErrorCF("trigger", "trigger fire failed", map[string]any{
			"trigger":  t.ID,
			"workflow": t.WorkflowID,
			"error":    err.Error(),
		})
		return nil, err
	}
	if err := m.store.UpdateTriggerFired(ctx, t.ID, time.Now().UTC()); err != nil {
		logger.WarnCF("trigger", "record trigger firing", map[string]any{
			"trigger": t.ID,
			"error":   err.Error(),
		})
	}
	logger.InfoCF("trigger", "trigger fired", map[string]any{
		"trigger":   t.ID,
		"execution": exec.ID,
	})
	return exec, nil
}
