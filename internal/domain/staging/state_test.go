package staging

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStaging, StatusMapped, true},
		{StatusStaging, StatusError, true},
		{StatusStaging, StatusPosted, false},
		{StatusStaging, StatusStaging, false},
		{StatusMapped, StatusMapped, true},
		{StatusMapped, StatusPosted, true},
		{StatusMapped, StatusError, true},
		{StatusMapped, StatusStaging, false},
		{StatusError, StatusStaging, true},
		{StatusError, StatusMapped, true},
		{StatusError, StatusError, true},
		{StatusError, StatusPosted, false},
		{StatusPosted, StatusMapped, false},
		{StatusPosted, StatusError, false},
		{StatusPosted, StatusStaging, false},
		{"bogus", StatusMapped, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s → %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s → %s: expected ErrIllegalTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestApply_ColumnsFollowState(t *testing.T) {
	r := &Row{Status: StatusStaging}

	if err := r.Apply(Mapped{TestID: "GLU"}); err != nil {
		t.Fatalf("Apply(Mapped) error: %v", err)
	}
	if r.Status != StatusMapped || deref(r.InternalTestID) != "GLU" || r.OrderID != nil {
		t.Errorf("unexpected mapped row %+v", r)
	}

	if err := r.Apply(Posted{TestID: "GLU", OrderID: "ORD-1", PatientID: "P-9"}); err != nil {
		t.Fatalf("Apply(Posted) error: %v", err)
	}
	if r.Status != StatusPosted || deref(r.OrderID) != "ORD-1" || deref(r.PatientID) != "P-9" || r.ErrorMessage != nil {
		t.Errorf("unexpected posted row %+v", r)
	}

	if err := r.Apply(Staging{}); err != nil {
		t.Fatal(err)
	}
	if r.InternalTestID != nil || r.OrderID != nil || r.PatientID != nil {
		t.Errorf("staging must clear destination columns, got %+v", r)
	}
}

func TestApply_ClaimOnlyLivesOnMapped(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := &Row{Status: StatusStaging}
	if err := r.Apply(Mapped{TestID: "GLU", ClaimedAt: &now}); err != nil {
		t.Fatal(err)
	}
	if !r.Claimed(now.Add(time.Second), time.Minute) {
		t.Error("freshly claimed row should be held")
	}
	if r.Claimed(now.Add(2*time.Minute), time.Minute) {
		t.Error("claim should lapse after the lease")
	}
	if st, ok := r.State().(Mapped); !ok || st.ClaimedAt == nil || !st.ClaimedAt.Equal(now) {
		t.Errorf("State() lost the claim: %+v", r.State())
	}

	if err := r.Apply(Failed{Reason: "order gone"}); err != nil {
		t.Fatal(err)
	}
	if r.ClaimedAt != nil || r.Claimed(now, time.Minute) {
		t.Errorf("error row must not carry a claim, got %+v", r)
	}
}

func TestApply_RejectsIncompleteStates(t *testing.T) {
	r := &Row{Status: StatusStaging}
	if err := r.Apply(Mapped{TestID: "  "}); err == nil {
		t.Error("mapped without a test must fail")
	}
	if err := r.Apply(Posted{TestID: "GLU"}); err == nil {
		t.Error("posted without an order must fail")
	}
	if r.Status != StatusStaging {
		t.Errorf("failed Apply must leave the row untouched, got %s", r.Status)
	}
}

func TestFailed_DefaultReasonAndTest(t *testing.T) {
	r := &Row{Status: StatusMapped}
	test := "GLU"
	if err := r.Apply(Failed{TestID: &test}); err != nil {
		t.Fatal(err)
	}
	if deref(r.ErrorMessage) != "reconciliation failed" {
		t.Errorf("expected default reason, got %q", deref(r.ErrorMessage))
	}
	if deref(r.InternalTestID) != "GLU" {
		t.Error("failed state should keep the resolved test")
	}
}

func TestRowState_RoundTrip(t *testing.T) {
	states := []State{
		Staging{},
		Mapped{TestID: "HGB"},
		Posted{TestID: "HGB", OrderID: "O1", PatientID: "P1"},
		Failed{Reason: "sample finalized"},
	}
	for _, s := range states {
		r := &Row{}
		if err := r.Apply(s); err != nil {
			t.Fatalf("Apply(%T) error: %v", s, err)
		}
		if got := r.State(); got != s {
			t.Errorf("State() = %#v, want %#v", got, s)
		}
	}
}

func TestRetryable(t *testing.T) {
	if (&Row{Status: StatusError, ParseFailed: true}).Retryable() {
		t.Error("parse failures are not retryable")
	}
	if !(&Row{Status: StatusError}).Retryable() {
		t.Error("resolution errors are retryable")
	}
	if (&Row{Status: StatusStaging}).Retryable() {
		t.Error("only error rows are retryable")
	}
}
