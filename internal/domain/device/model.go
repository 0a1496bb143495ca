package device

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Protocol selects the parser applied to a device's raw messages.
type Protocol string

const (
	ProtocolHL7v2  Protocol = "hl7v2"
	ProtocolJSON   Protocol = "json"
	ProtocolScript Protocol = "script"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHL7v2, ProtocolJSON, ProtocolScript:
		return true
	}
	return false
}

var codePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Device maps to the lab_device table: one analyzer instrument.
type Device struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Code         string    `db:"code" json:"code"`
	Name         string    `db:"name" json:"name"`
	Protocol     Protocol  `db:"protocol" json:"protocol"`
	ParserScript *string   `db:"parser_script" json:"parser_script,omitempty"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Summary is the shape returned by the device directory listing.
type Summary struct {
	ID     uuid.UUID `json:"id"`
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

func (d *Device) Summary() Summary {
	return Summary{ID: d.ID, Code: d.Code, Name: d.Name, Active: d.Active}
}

type CreateRequest struct {
	Code         string   `json:"code" validate:"required,max=64"`
	Name         string   `json:"name" validate:"required,max=255"`
	Protocol     Protocol `json:"protocol" validate:"omitempty,oneof=hl7v2 json script"`
	ParserScript *string  `json:"parser_script,omitempty" validate:"omitempty,max=255"`
}

type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}
