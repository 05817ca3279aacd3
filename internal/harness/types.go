package harness

// StepResult records what one step did.
type StepResult struct {
	Index int    `json:"index"`
	Do    string `json:"do"`
	// Detail is a hash-free description, stable across runs.
	Detail string `json:"detail"`
}

// NodeSummary is the final state of one node.
type NodeSummary struct {
	Label           string `json:"label"`
	ActionsValid    int    `json:"actions_valid"`
	ActionsRejected int    `json:"actions_rejected"`
	Links           int    `json:"links"`
	Limbo           int    `json:"limbo"`
	Warrants        int    `json:"warrants"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass is true if every step behaved as declared and every assertion
	// held.
	Pass bool `json:"pass"`

	Steps []StepResult  `json:"steps"`
	Nodes []NodeSummary `json:"nodes"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Nodes:  []NodeSummary{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step record.
func (r *Result) AddStep(index int, do, detail string) {
	r.Steps = append(r.Steps, StepResult{Index: index, Do: do, Detail: detail})
}
