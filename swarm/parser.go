package swarm

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// taskDef and workflowDef mirror the definition document surface syntax.
// YAML and JSON are both accepted: JSON is a strict subset of YAML, so a
// single yaml.v3 decode covers both.
type workflowDef struct {
	WorkflowID           string            `yaml:"workflow_id"`
	Tasks                []taskDef         `yaml:"tasks"`
	RetryPolicy          *retryPolicyDef   `yaml:"retry_policy"`
	CompensationHandlers map[string]string `yaml:"compensation_handlers"`
}

type taskDef struct {
	ID             string         `yaml:"id"`
	Type           string         `yaml:"type"`
	DependsOn      []string       `yaml:"depends_on"`
	Config         map[string]any `yaml:"config"`
	Classification string         `yaml:"data_classification"`
	TimeoutSeconds float64        `yaml:"timeout_seconds"`
}

type retryPolicyDef struct {
	MaxAttempts        *int     `yaml:"max_attempts"`
	DelaySeconds       *float64 `yaml:"delay_seconds"`
	ExponentialBackoff *bool    `yaml:"exponential_backoff"`
	JitterFraction     *float64 `yaml:"jitter_fraction"`
}

// Parse decodes a workflow definition and validates it into a Workflow
// with every structural invariant established: unique task IDs, resolved
// dependencies, an acyclic graph, and a valid retry policy.
//
// Parsing is pure: no I/O, no state written. Invalid definitions return a
// *ValidationError describing the first violation found.
func Parse(definition []byte, idempotencyKey string) (*Workflow, error) {
	var def workflowDef
	if err := yaml.Unmarshal(definition, &def); err != nil {
		return nil, &ValidationError{Kind: MissingField, Path: "$", Detail: fmt.Sprintf("malformed document: %v", err)}
	}

	if def.WorkflowID == "" {
		return nil, &ValidationError{Kind: MissingField, Path: "workflow_id"}
	}
	if len(def.Tasks) == 0 {
		return nil, &ValidationError{Kind: MissingField, Path: "tasks", Detail: "at least one task required"}
	}

	policy := DefaultRetryPolicy()
	if rp := def.RetryPolicy; rp != nil {
		if rp.MaxAttempts != nil {
			policy.MaxAttempts = *rp.MaxAttempts
		}
		if rp.DelaySeconds != nil {
			policy.Delay = time.Duration(*rp.DelaySeconds * float64(time.Second))
		}
		if rp.ExponentialBackoff != nil {
			policy.ExponentialBackoff = *rp.ExponentialBackoff
		}
		if rp.JitterFraction != nil {
			policy.JitterFraction = *rp.JitterFraction
		}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:                   def.WorkflowID,
		Tasks:                make(map[string]*Task, len(def.Tasks)),
		RetryPolicy:          policy,
		CompensationHandlers: def.CompensationHandlers,
		IdempotencyKey:       idempotencyKey,
		Status:               WorkflowPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	for i, td := range def.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if td.ID == "" {
			return nil, &ValidationError{Kind: MissingField, Path: path + ".id"}
		}
		if td.Type == "" {
			return nil, &ValidationError{Kind: MissingField, Path: path + ".type"}
		}
		if _, dup := wf.Tasks[td.ID]; dup {
			return nil, &ValidationError{Kind: DuplicateTaskID, Path: path + ".id", Detail: td.ID}
		}

		classification := ClassificationPublic
		switch DataClassification(td.Classification) {
		case "", ClassificationPublic:
		case ClassificationPII:
			classification = ClassificationPII
		case ClassificationPHI:
			classification = ClassificationPHI
		default:
			return nil, &ValidationError{Kind: InvalidClassification, Path: path + ".data_classification", Detail: td.Classification}
		}

		wf.Tasks[td.ID] = &Task{
			ID:             td.ID,
			Type:           td.Type,
			DependsOn:      td.DependsOn,
			Config:         td.Config,
			Classification: classification,
			Timeout:        time.Duration(td.TimeoutSeconds * float64(time.Second)),
			Status:         TaskPending,
		}
	}

	for id, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := wf.Tasks[dep]; !ok {
				return nil, &ValidationError{Kind: UnknownDependency, Path: "tasks." + id + ".depends_on", Detail: dep}
			}
		}
	}

	if cycle := findCycle(wf.Tasks); cycle != nil {
		return nil, &ValidationError{Kind: CycleDetected, Cycle: cycle}
	}

	for tid := range wf.CompensationHandlers {
		if _, ok := wf.Tasks[tid]; !ok {
			return nil, &ValidationError{Kind: UnknownDependency, Path: "compensation_handlers." + tid, Detail: "no such task"}
		}
	}

	return wf, nil
}
