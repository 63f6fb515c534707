package plan

// Status is the outcome of a single patch step.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// StepResult records what happened to one step. Prev is the node content
// captured before mutation; Value is the content finally written.
type StepResult struct {
	Index    int     `json:"index"`
	Selector string  `json:"selector"`
	Op       Op      `json:"op"`
	Status   Status  `json:"status"`
	Note     string  `json:"note"`
	Prev     *string `json:"prev,omitempty"`
	Value    *string `json:"value,omitempty"`
	Wrapped  bool    `json:"wrapped,omitempty"`
}

// Summary is the immutable record of one apply call. Results are in the
// same order as the applied patch.
type Summary struct {
	StepsTotal   int          `json:"steps_total"`
	StepsApplied int          `json:"steps_applied"`
	StepsSkipped int          `json:"steps_skipped"`
	StepsError   int          `json:"steps_error"`
	TookMS       int64        `json:"took_ms"`
	Results      []StepResult `json:"results"`
}

// Tally recomputes the aggregate counters from Results.
func (s *Summary) Tally() {
	s.StepsTotal = len(s.Results)
	s.StepsApplied, s.StepsSkipped, s.StepsError = 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case StatusApplied:
			s.StepsApplied++
		case StatusSkipped:
			s.StepsSkipped++
		case StatusError:
			s.StepsError++
		}
	}
}

// HasApplied reports whether at least one step was applied.
func (s *Summary) HasApplied() bool {
	return s != nil && s.StepsApplied > 0
}

// Str returns a pointer to s, for the optional string fields of StepResult.
func Str(s string) *string { return &s }
