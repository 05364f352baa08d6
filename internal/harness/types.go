package harness

// TraceEvent records what one step did.
type TraceEvent struct {
	Step int    `json:"step"`
	Type string `json:"type"` // seed, run, deliver, settle, outage, reconnect, receive or check
	Site string `json:"site,omitempty"`
	From string `json:"from,omitempty"`

	// Messages describes what the step produced or delivered, e.g.
	// "op A#1 AddFeature", "sync_request B", "ack A".
	Messages []string `json:"messages,omitempty"`

	// Error is the error code the step ended with, if any.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Digests maps each site to its final document digest.
	Digests map[string]string `json:"digests"`

	// Document is the first site's final document as canonical JSON.
	Document []byte `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Digests: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) trace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
