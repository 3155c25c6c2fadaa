// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package workflow implements workflow definitions and the DAG execution
// engine that advances them. Steps are scheduled Kahn-style: a ready set of
// dependency-free steps, promoted as their blockers finish.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/agentfleet/fleetd/pkg/store"
)

// Definition is the parsed form of a workflow's step graph.
type Definition struct {
	Steps     []StepDef           `json:"steps"`
	Inputs    map[string]InputDef `json:"inputs,omitempty"`
	Outputs   []string            `json:"outputs,omitempty"`
	TimeoutMs int64               `json:"timeoutMs,omitempty"`
}

// InputDef declares one workflow input.
type InputDef struct {
	Required bool `json:"required,omitempty"`
	Default  any  `json:"default,omitempty"`
}

// StepDef is one node of the workflow graph.
type StepDef struct {
	Key        string          `json:"key"`
	Name       string          `json:"name,omitempty"`
	Type       store.StepType  `json:"type"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Guard      string          `json:"guard,omitempty"`
	OnFailure  store.OnFailure `json:"onFailure,omitempty"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
}

// Typed step configs, one per step type.

type TaskConfig struct {
	AssignTo    string `json:"assignTo"`
	Team        string `json:"team,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
}

type SpawnConfig struct {
	AgentRole string `json:"agentRole"`
	Task      string `json:"task,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

type CheckpointConfig struct {
	ToHandle          string `json:"toHandle"`
	Summary           string `json:"summary,omitempty"`
	WaitForAcceptance bool   `json:"waitForAcceptance,omitempty"`
}

type GateConfig struct {
	Condition string   `json:"condition"`
	OnTrue    []string `json:"onTrue,omitempty"`
	OnFalse   []string `json:"onFalse,omitempty"`
}

// ParallelStrategy selects how a parallel step completes.
type ParallelStrategy string

const (
	StrategyAll  ParallelStrategy = "all"
	StrategyAny  ParallelStrategy = "any"
	StrategyRace ParallelStrategy = "race"
)

type ParallelConfig struct {
	StepKeys []string         `json:"stepKeys"`
	Strategy ParallelStrategy `json:"strategy,omitempty"`
}

type ScriptConfig struct {
	Script string `json:"script"`
}

func validStepType(t store.StepType) bool {
	switch t {
	case store.StepTask, store.StepSpawn, store.StepCheckpoint, store.StepGate, store.StepParallel, store.StepScript:
		return true
	}
	return false
}

func validOnFailure(f store.OnFailure) bool {
	switch f {
	case "", store.FailureFail, store.FailureSkip, store.FailureRetry, store.FailureContinue:
		return true
	}
	return false
}

// ParseDefinition decodes and validates a workflow definition: at least one
// step, unique keys, known types, resolvable dependencies, and an acyclic
// graph.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &store.ValidationError{Field: "definition", Reason: err.Error()}
	}
	if len(def.Steps) == 0 {
		return nil, &store.ValidationError{Field: "definition.steps", Reason: "at least one step required"}
	}

	keys := make(map[string]*StepDef, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.Key == "" {
			return nil, &store.ValidationError{Field: "definition.steps", Reason: "step key required"}
		}
		if _, dup := keys[sd.Key]; dup {
			return nil, &store.ValidationError{Field: "definition.steps", Reason: fmt.Sprintf("duplicate step key %q", sd.Key)}
		}
		if !validStepType(sd.Type) {
			return nil, &store.ValidationError{Field: "definition.steps", Reason: fmt.Sprintf("step %q: unknown type %q", sd.Key, sd.Type)}
		}
		if !validOnFailure(sd.OnFailure) {
			return nil, &store.ValidationError{Field: "definition.steps", Reason: fmt.Sprintf("step %q: unknown onFailure %q", sd.Key, sd.OnFailure)}
		}
		keys[sd.Key] = sd
	}
	for _, sd := range def.Steps {
		for _, dep := range sd.DependsOn {
			if _, ok := keys[dep]; !ok {
				return nil, &store.ValidationError{Field: "definition.steps", Reason: fmt.Sprintf("step %q depends on unknown step %q", sd.Key, dep)}
			}
			if dep == sd.Key {
				return nil, &store.ValidationError{Field: "definition.steps", Reason: fmt.Sprintf("step %q depends on itself", sd.Key)}
			}
		}
	}
	if err := checkAcyclic(def.Steps); err != nil {
		return nil, err
	}
	return &def, nil
}

// checkAcyclic runs a Kahn peel over the step graph; leftover nodes mean a
// cycle.
func checkAcyclic(steps []StepDef) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, sd := range steps {
		indegree[sd.Key] = len(sd.DependsOn)
		for _, dep := range sd.DependsOn {
			dependents[dep] = append(dependents[dep], sd.Key)
		}
	}

	var queue []string
	for key, n := range indegree {
		if n == 0 {
			queue = append(queue, key)
		}
	}
	seen := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		seen++
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if seen != len(steps) {
		return &store.ValidationError{Field: "definition.steps", Reason: "dependency cycle detected"}
	}
	return nil
}

func parseConfig[T any](raw json.RawMessage, stepKey string) (*T, error) {
	var cfg T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("step %s: bad config: %w", stepKey, err)
		}
	}
	return &cfg, nil
}
