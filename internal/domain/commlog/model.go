package commlog

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Transport string

const (
	TransportMLLP Transport = "mllp"
	TransportHTTP Transport = "http"
	TransportMQTT Transport = "mqtt"
	TransportFile Transport = "file"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusPartial  Status = "partial"
	StatusRejected Status = "rejected"
	StatusSent     Status = "sent"
)

// PreviewLimit bounds the stored payload; PayloadSize keeps the full length.
const PreviewLimit = 4096

// Entry maps to the comm_log_entry table. Entries are append-only.
type Entry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	DeviceID         uuid.UUID `db:"device_id" json:"device_id"`
	Direction        Direction `db:"direction" json:"direction"`
	Transport        Transport `db:"transport" json:"transport"`
	SourceEndpoint   *string   `db:"source_endpoint" json:"source_endpoint,omitempty"`
	MessageControlID *string   `db:"message_control_id" json:"message_control_id,omitempty"`
	PayloadPreview   string    `db:"payload_preview" json:"payload_preview"`
	PayloadSize      int       `db:"payload_size" json:"payload_size"`
	SampleIDs        []string  `db:"sample_ids" json:"sample_ids"`
	Status           Status    `db:"status" json:"status"`
	ErrorMessage     *string   `db:"error_message" json:"error_message,omitempty"`
	RowCount         int       `db:"row_count" json:"row_count"`
	LoggedAt         time.Time `db:"logged_at" json:"logged_at"`
}

// SetPayload stores a preview of raw truncated to PreviewLimit bytes on a
// rune boundary.
func (e *Entry) SetPayload(raw []byte) {
	e.PayloadSize = len(raw)
	if len(raw) <= PreviewLimit {
		e.PayloadPreview = string(raw)
		return
	}
	cut := PreviewLimit
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	e.PayloadPreview = string(raw[:cut])
}

func (e *Entry) Validate() error {
	switch e.Direction {
	case Inbound, Outbound:
	default:
		return fmt.Errorf("invalid direction %q", e.Direction)
	}
	switch e.Transport {
	case TransportMLLP, TransportHTTP, TransportMQTT, TransportFile:
	default:
		return fmt.Errorf("invalid transport %q", e.Transport)
	}
	switch e.Status {
	case StatusAccepted, StatusPartial, StatusRejected, StatusSent:
	default:
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.DeviceID == uuid.Nil {
		return fmt.Errorf("log entry requires a device")
	}
	return nil
}
