package commlog

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
)

func TestSetPayload(t *testing.T) {
	var e Entry
	e.SetPayload([]byte("MSH|^~\\&|"))
	if e.PayloadPreview != "MSH|^~\\&|" || e.PayloadSize != 9 {
		t.Errorf("short payload should be kept whole, got %q (%d)", e.PayloadPreview, e.PayloadSize)
	}

	big := strings.Repeat("a", PreviewLimit+500)
	e.SetPayload([]byte(big))
	if len(e.PayloadPreview) != PreviewLimit || e.PayloadSize != PreviewLimit+500 {
		t.Errorf("expected preview truncated to %d, got %d (size %d)", PreviewLimit, len(e.PayloadPreview), e.PayloadSize)
	}

	// A multi-byte rune straddling the limit must not be split.
	straddle := strings.Repeat("a", PreviewLimit-1) + "é" + "tail"
	e.SetPayload([]byte(straddle))
	if !utf8.ValidString(e.PayloadPreview) {
		t.Error("preview must remain valid UTF-8")
	}
	if len(e.PayloadPreview) != PreviewLimit-1 {
		t.Errorf("expected cut before the straddling rune, got %d bytes", len(e.PayloadPreview))
	}
}

func TestEntryValidate(t *testing.T) {
	ok := Entry{DeviceID: uuid.New(), Direction: Inbound, Transport: TransportMLLP, Status: StatusAccepted}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"direction", func(e *Entry) { e.Direction = "sideways" }},
		{"transport", func(e *Entry) { e.Transport = "fax" }},
		{"status", func(e *Entry) { e.Status = "lost" }},
		{"device", func(e *Entry) { e.DeviceID = uuid.Nil }},
	}
	for _, tt := range tests {
		e := ok
		tt.mutate(&e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}
