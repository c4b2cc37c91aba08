package swarm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GovContext carries caller-supplied governance inputs alongside a
// workflow submission. The kernel treats it as opaque except for
// handing it to the gate.
type GovContext struct {
	RequestSource  string
	ClientID       string
	IdempotencyKey string
}

// Decision is the result of one gate consultation.
type Decision struct {
	Allow bool

	// Reason explains a denial, e.g. "phi_not_allowed". Empty on allow.
	Reason string
}

// Allow is the permissive decision.
func Allow() Decision { return Decision{Allow: true} }

// Deny builds a denial with the given reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Gate decides whether a task may run. The kernel consults it once per
// task, immediately before promotion to RUNNING; a denial fails the
// task without retry. Implementations must be pure: no I/O, no state
// mutation, safe for concurrent use.
type Gate interface {
	Check(task *Task, gctx GovContext) Decision
}

// AllowAll permits every task.
type AllowAll struct{}

func (AllowAll) Check(*Task, GovContext) Decision { return Allow() }

// GateFunc adapts a function to the Gate interface.
type GateFunc func(task *Task, gctx GovContext) Decision

func (f GateFunc) Check(task *Task, gctx GovContext) Decision { return f(task, gctx) }

// RuleGate evaluates the YAML rule set:
//
//	rules:
//	  phi_allowed: true
//	  llm_allowed_models: [gpt-4o, claude-sonnet-4]
//	  banned_prompts: ["ignore previous instructions"]
//	  require_idempotency_types: [db, http]
//
// Absent sections default open: a missing model allowlist allows any
// model, an empty banned list bans nothing.
type RuleGate struct {
	PHIAllowed              bool
	AllowedModels           []string
	BannedPrompts           []string
	RequireIdempotencyTypes []string
}

type ruleGateFile struct {
	Rules struct {
		PHIAllowed              *bool    `yaml:"phi_allowed"`
		LLMAllowedModels        []string `yaml:"llm_allowed_models"`
		BannedPrompts           []string `yaml:"banned_prompts"`
		RequireIdempotencyTypes []string `yaml:"require_idempotency_types"`
	} `yaml:"rules"`
}

// LoadRuleGate reads a rule set from a YAML file.
func LoadRuleGate(path string) (*RuleGate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("governance config: %w", err)
	}
	return ParseRuleGate(data)
}

// ParseRuleGate parses a rule set from YAML bytes.
func ParseRuleGate(data []byte) (*RuleGate, error) {
	var file ruleGateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("governance config: %w", err)
	}
	gate := &RuleGate{
		PHIAllowed:              true,
		AllowedModels:           file.Rules.LLMAllowedModels,
		BannedPrompts:           file.Rules.BannedPrompts,
		RequireIdempotencyTypes: file.Rules.RequireIdempotencyTypes,
	}
	if file.Rules.PHIAllowed != nil {
		gate.PHIAllowed = *file.Rules.PHIAllowed
	}
	return gate, nil
}

// Check implements Gate.
func (g *RuleGate) Check(task *Task, gctx GovContext) Decision {
	if task.Classification == ClassificationPHI && !g.PHIAllowed {
		return Deny("phi_not_allowed")
	}

	if task.Type == "llm" && len(g.AllowedModels) > 0 {
		modelID, _ := task.Config["model"].(string)
		if !contains(g.AllowedModels, modelID) {
			return Deny("model_not_allowed")
		}
	}

	if prompt, ok := task.Config["prompt"].(string); ok {
		lower := strings.ToLower(prompt)
		for _, banned := range g.BannedPrompts {
			if strings.Contains(lower, strings.ToLower(banned)) {
				return Deny("banned_prompt")
			}
		}
	}

	if contains(g.RequireIdempotencyTypes, task.Type) && gctx.IdempotencyKey == "" {
		return Deny("idempotency_key_required")
	}

	return Allow()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
