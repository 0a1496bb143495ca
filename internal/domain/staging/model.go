package staging

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusStaging Status = "staging"
	StatusMapped  Status = "mapped"
	StatusPosted  Status = "posted"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusStaging, StatusMapped, StatusPosted, StatusError:
		return true
	}
	return false
}

type ResultStatus string

const (
	ResultFinal       ResultStatus = "final"
	ResultPreliminary ResultStatus = "preliminary"
)

// Row maps to the staging_result table. Status and the destination columns
// (InternalTestID, OrderID, PatientID, ErrorMessage) are only ever written
// together through a State, see State and Row.State.
type Row struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	DeviceID       uuid.UUID    `db:"device_id" json:"device_id"`
	LogEntryID     *uuid.UUID   `db:"log_entry_id" json:"log_entry_id,omitempty"`
	SampleID       string       `db:"sample_id" json:"sample_id"`
	PatientRef     *string      `db:"patient_ref" json:"patient_ref,omitempty"`
	NativeCode     string       `db:"native_code" json:"native_code"`
	NativeName     *string      `db:"native_name" json:"native_name,omitempty"`
	Value          string       `db:"value" json:"value"`
	Unit           *string      `db:"unit" json:"unit,omitempty"`
	ReferenceRange *string      `db:"reference_range" json:"reference_range,omitempty"`
	AbnormalFlag   *string      `db:"abnormal_flag" json:"abnormal_flag,omitempty"`
	ResultStatus   ResultStatus `db:"result_status" json:"result_status"`
	ObservedAt     *time.Time   `db:"observed_at" json:"observed_at,omitempty"`
	Status         Status       `db:"status" json:"status"`
	InternalTestID *string      `db:"internal_test_id" json:"internal_test_id"`
	OrderID        *string      `db:"order_id" json:"order_id"`
	PatientID      *string      `db:"patient_id" json:"patient_id"`
	ErrorMessage   *string      `db:"error_message" json:"error_message,omitempty"`
	ClaimedAt      *time.Time   `db:"claimed_at" json:"claimed_at,omitempty"`
	ParseFailed    bool         `db:"parse_failed" json:"parse_failed"`
	Version        int          `db:"version" json:"version"`
	ReceivedAt     time.Time    `db:"received_at" json:"received_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// Expect is the state a caller observed; transitions only apply when the
// row is still in it.
type Expect struct {
	Status  Status
	Version int
}

func (r *Row) Expect() Expect {
	return Expect{Status: r.Status, Version: r.Version}
}

// Claimed reports whether another caller took the row for posting less
// than lease ago.
func (r *Row) Claimed(now time.Time, lease time.Duration) bool {
	return r.Status == StatusMapped && r.ClaimedAt != nil && now.Sub(*r.ClaimedAt) < lease
}

// Preliminary reports whether the analyzer flagged the value as not final.
func (r *Row) Preliminary() bool {
	return r.ResultStatus == ResultPreliminary
}

// Retryable reports whether an error row may re-enter the pipeline. Rows
// that failed to parse keep their message forever.
func (r *Row) Retryable() bool {
	return r.Status == StatusError && !r.ParseFailed
}

type ListFilter struct {
	Status   Status
	SampleID string
	Limit    int
}
