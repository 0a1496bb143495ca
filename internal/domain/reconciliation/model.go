package reconciliation

import (
	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/domain/staging"
)

// Kind is what happened to one row.
type Kind string

const (
	KindPosted        Kind = "posted"
	KindMapped        Kind = "mapped"
	KindNotConfigured Kind = "staging"
	KindError         Kind = "error"
	KindConflict      Kind = "conflict"
	KindAlreadyPosted Kind = "already_posted"
	KindNotRetryable  Kind = "not_retryable"
)

// Outcome reports one row. Message carries the cause for error,
// not-configured and conflict outcomes; Warning is set when the mapping
// choice was ambiguous.
type Outcome struct {
	RowID      uuid.UUID      `json:"row_id"`
	SampleID   string         `json:"sample_id"`
	NativeCode string         `json:"native_code"`
	Outcome    Kind           `json:"outcome"`
	Status     staging.Status `json:"status"`
	TestID     string         `json:"internal_test_id,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Warning    string         `json:"warning,omitempty"`
	Row        *staging.Row   `json:"row,omitempty"`
}

// Result is the report of a batch run.
type Result struct {
	Processed int          `json:"processed"`
	Summary   map[Kind]int `json:"summary"`
	Outcomes  []*Outcome   `json:"outcomes"`
	// Cancelled is set when the caller went away before every row was
	// visited. Rows already handled keep their new state.
	Cancelled bool `json:"cancelled,omitempty"`
}

func newResult() *Result {
	return &Result{Summary: map[Kind]int{}, Outcomes: []*Outcome{}}
}

func (r *Result) add(o *Outcome) {
	r.Processed++
	r.Summary[o.Outcome]++
	r.Outcomes = append(r.Outcomes, o)
}

// Options tune a device batch.
type Options struct {
	Limit       int
	RetryErrors bool
}

func (o Options) statuses() []staging.Status {
	s := []staging.Status{staging.StatusStaging, staging.StatusMapped}
	if o.RetryErrors {
		s = append(s, staging.StatusError)
	}
	return s
}
