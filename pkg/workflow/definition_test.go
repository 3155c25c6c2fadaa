package workflow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentfleet/fleetd/pkg/store"
)

func TestParseDefinitionValid(t *testing.T) {
	def, err := ParseDefinition(json.RawMessage(`{
	  "steps": [
	    {"key": "a", "type": "script", "config": {"script": "1"}},
	    {"key": "b", "type": "task", "dependsOn": ["a"], "config": {"assignTo": "w1"}}
	  ],
	  "inputs": {"env": {"required": true}}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Steps))
	}
	if !def.Inputs["env"].Required {
		t.Error("env input should be required")
	}
}

func TestParseDefinitionRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty steps", `{"steps": []}`, "at least one step"},
		{"missing key", `{"steps": [{"type": "script"}]}`, "key required"},
		{"duplicate key", `{"steps": [
			{"key": "a", "type": "script"}, {"key": "a", "type": "script"}
		]}`, "duplicate step key"},
		{"unknown type", `{"steps": [{"key": "a", "type": "rpc"}]}`, "unknown type"},
		{"unknown onFailure", `{"steps": [{"key": "a", "type": "script", "onFailure": "explode"}]}`, "unknown onFailure"},
		{"unknown dependency", `{"steps": [{"key": "a", "type": "script", "dependsOn": ["ghost"]}]}`, "unknown step"},
		{"self dependency", `{"steps": [{"key": "a", "type": "script", "dependsOn": ["a"]}]}`, "depends on itself"},
		{"cycle", `{"steps": [
			{"key": "a", "type": "script", "dependsOn": ["c"]},
			{"key": "b", "type": "script", "dependsOn": ["a"]},
			{"key": "c", "type": "script", "dependsOn": ["b"]}
		]}`, "cycle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition(json.RawMessage(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !store.IsValidation(err) {
				t.Errorf("expected validation error, got %T", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestServiceCreateDuplicateName(t *testing.T) {
	h := newHarness()
	def := json.RawMessage(`{"steps": [{"key": "a", "type": "script", "config": {"script": "1"}}]}`)
	if _, err := h.svc.Create(t.Context(), "deploy", def, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.svc.Create(t.Context(), "deploy", def, false)
	if !store.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestServiceUpdateBumpsVersion(t *testing.T) {
	h := newHarness()
	def := json.RawMessage(`{"steps": [{"key": "a", "type": "script", "config": {"script": "1"}}]}`)
	w, err := h.svc.Create(t.Context(), "deploy", def, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := h.svc.Update(t.Context(), w.ID, json.RawMessage(`{"steps": [{"key": "b", "type": "script", "config": {"script": "2"}}]}`), nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != w.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, w.Version+1)
	}
}
