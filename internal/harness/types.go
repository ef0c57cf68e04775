package harness

// OutcomeOK is the outcome of a step that returned no error.
const OutcomeOK = "OK"

// OutcomeError is the outcome of a step whose error carries no market code.
const OutcomeError = "ERROR"

// StepResult records what one step did.
type StepResult struct {
	Step     int    `json:"step"`
	Action   string `json:"action"`
	Order    string `json:"order,omitempty"`
	Outcome  string `json:"outcome"`
	Quantity int    `json:"quantity,omitempty"`
	Paid     string `json:"paid,omitempty"`
	Status   string `json:"status,omitempty"`
	Refund   string `json:"refund,omitempty"`
	Route    string `json:"route,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	Settled  int    `json:"settled,omitempty"`

	// Outcomes counts branch outcomes of a concurrent step. Which branch
	// wins a race is not deterministic, so branches are only summarized.
	Outcomes map[string]int `json:"outcomes,omitempty"`

	// Err is the error the step returned, if any.
	Err error `json:"-"`
}

// OrderState is the final state of a labelled order.
type OrderState struct {
	Status    string `json:"status"`
	Delivered int    `json:"delivered,omitempty"`
	Escrowed  string `json:"escrowed,omitempty"`
	Vault     int    `json:"vault,omitempty"`
}

// StatusDeleted marks an order whose row no longer exists.
const StatusDeleted = "DELETED"

// PendingState sums the queued settlements of one actor.
type PendingState struct {
	Amount   string `json:"amount"`
	Quantity int    `json:"quantity,omitempty"`
}

// State is the world and store after a scenario.
type State struct {
	Balances map[string]string         `json:"balances"`
	Held     map[string]map[string]int `json:"held,omitempty"`
	Orders   map[string]OrderState     `json:"orders,omitempty"`
	Pending  map[string]PendingState   `json:"pending,omitempty"`
	Audit    map[string]int            `json:"audit,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step and final expectation matched and money
	// and goods were conserved throughout.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State State `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Steps: []StepResult{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
