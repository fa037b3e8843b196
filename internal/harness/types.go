package harness

// Result is the outcome of a scenario run. Events are named by label.
type Result struct {
	// Pass is true when every order converged and every assertion held.
	Pass bool `json:"pass"`

	// Orders is the number of delivery orders replayed.
	Orders int `json:"orders"`

	// State maps "type|state_key" to the label of the current state event.
	State map[string]string `json:"state"`

	// Extremities are the forward extremities, sorted.
	Extremities []string `json:"extremities"`

	// Accepted and Rejected list stored events by outcome, sorted.
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`

	// Stages records the final intake stage of each delivered event in the
	// listed delivery order.
	Stages map[string]string `json:"stages"`

	// Errors contains divergence and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		State:  make(map[string]string),
		Stages: make(map[string]string),
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
