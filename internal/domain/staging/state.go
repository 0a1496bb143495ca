package staging

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the closed set of reconciliation states. Only the types in this
// file implement it.
type State interface {
	Status() Status
	isState()
}

type Staging struct{}

// Mapped is a resolved row waiting to be posted. ClaimedAt is set while a
// caller is submitting the result; it is cleared by every other state.
type Mapped struct {
	TestID    string
	ClaimedAt *time.Time
}

type Posted struct {
	TestID    string
	OrderID   string
	PatientID string
}

// Failed is the error state. TestID is kept when the failure happened after
// the native code had been resolved.
type Failed struct {
	Reason string
	TestID *string
}

func (Staging) Status() Status { return StatusStaging }
func (Mapped) Status() Status  { return StatusMapped }
func (Posted) Status() Status  { return StatusPosted }
func (Failed) Status() Status  { return StatusError }

func (Staging) isState() {}
func (Mapped) isState()  {}
func (Posted) isState()  {}
func (Failed) isState()  {}

// State rebuilds the variant from the stored columns.
func (r *Row) State() State {
	switch r.Status {
	case StatusMapped:
		return Mapped{TestID: deref(r.InternalTestID), ClaimedAt: r.ClaimedAt}
	case StatusPosted:
		return Posted{TestID: deref(r.InternalTestID), OrderID: deref(r.OrderID), PatientID: deref(r.PatientID)}
	case StatusError:
		return Failed{Reason: deref(r.ErrorMessage), TestID: r.InternalTestID}
	}
	return Staging{}
}

// columns is the persisted form of a State.
type columns struct {
	Status         Status
	InternalTestID *string
	OrderID        *string
	PatientID      *string
	ErrorMessage   *string
	ClaimedAt      *time.Time
}

func columnsOf(s State) (columns, error) {
	switch st := s.(type) {
	case Staging:
		return columns{Status: StatusStaging}, nil
	case Mapped:
		if strings.TrimSpace(st.TestID) == "" {
			return columns{}, errors.New("mapped state requires an internal test")
		}
		return columns{Status: StatusMapped, InternalTestID: ptr(st.TestID), ClaimedAt: st.ClaimedAt}, nil
	case Posted:
		if st.TestID == "" || st.OrderID == "" {
			return columns{}, errors.New("posted state requires an internal test and an order")
		}
		return columns{Status: StatusPosted, InternalTestID: ptr(st.TestID), OrderID: ptr(st.OrderID), PatientID: optional(st.PatientID)}, nil
	case Failed:
		reason := strings.TrimSpace(st.Reason)
		if reason == "" {
			reason = "reconciliation failed"
		}
		return columns{Status: StatusError, InternalTestID: st.TestID, ErrorMessage: &reason}, nil
	}
	return columns{}, fmt.Errorf("unknown state %T", s)
}

func (c columns) applyTo(r *Row) {
	r.Status = c.Status
	r.InternalTestID = c.InternalTestID
	r.OrderID = c.OrderID
	r.PatientID = c.PatientID
	r.ErrorMessage = c.ErrorMessage
	r.ClaimedAt = c.ClaimedAt
}

// transitions lists the statuses reachable from each status. mapped→mapped
// refreshes the resolved test or sets and releases a claim; error→error
// records a failed retry.
var transitions = map[Status][]Status{
	StatusStaging: {StatusMapped, StatusError},
	StatusMapped:  {StatusMapped, StatusPosted, StatusError},
	StatusError:   {StatusStaging, StatusMapped, StatusError},
	StatusPosted:  {},
}

var ErrIllegalTransition = errors.New("illegal status transition")

// ValidateTransition checks from → to against the transition table.
func ValidateTransition(from, to Status) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Apply writes s onto r's status columns without touching the store.
func (r *Row) Apply(s State) error {
	c, err := columnsOf(s)
	if err != nil {
		return err
	}
	c.applyTo(r)
	return nil
}
