package mapping

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mapping maps to the channel_mapping table: one analyzer native test code
// bound to an internal test.
type Mapping struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	DeviceID              uuid.UUID `db:"device_id" json:"device_id"`
	NativeCode            string    `db:"native_code" json:"native_code"`
	NativeName            *string   `db:"native_name" json:"native_name,omitempty"`
	InternalTestID        *string   `db:"internal_test_id" json:"internal_test_id"`
	DefaultUnit           *string   `db:"default_unit" json:"default_unit,omitempty"`
	DefaultReferenceRange *string   `db:"default_reference_range" json:"default_reference_range,omitempty"`
	IsActive              bool      `db:"is_active" json:"is_active"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// Mapped reports whether the mapping names an internal test. A mapping
// without one documents a known code that is deliberately left unmapped.
func (m *Mapping) Mapped() bool {
	return m.InternalTestID != nil && strings.TrimSpace(*m.InternalTestID) != ""
}

type ListFilter struct {
	Search     string
	ActiveOnly bool
}

type CreateRequest struct {
	NativeCode            string  `json:"native_code" validate:"required,max=64"`
	NativeName            *string `json:"native_name,omitempty" validate:"omitempty,max=255"`
	InternalTestID        *string `json:"internal_test_id,omitempty" validate:"omitempty,max=64"`
	DefaultUnit           *string `json:"default_unit,omitempty" validate:"omitempty,max=32"`
	DefaultReferenceRange *string `json:"default_reference_range,omitempty" validate:"omitempty,max=64"`
	IsActive              *bool   `json:"is_active,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left unchanged. An
// empty internal_test_id clears the mapping target.
type UpdateRequest struct {
	NativeCode            *string `json:"native_code,omitempty" validate:"omitempty,max=64"`
	NativeName            *string `json:"native_name,omitempty" validate:"omitempty,max=255"`
	InternalTestID        *string `json:"internal_test_id,omitempty" validate:"omitempty,max=64"`
	DefaultUnit           *string `json:"default_unit,omitempty" validate:"omitempty,max=32"`
	DefaultReferenceRange *string `json:"default_reference_range,omitempty" validate:"omitempty,max=64"`
	IsActive              *bool   `json:"is_active,omitempty"`
}

// normalizeOptional trims s and turns blank values into nil.
func normalizeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
