// Package ingest turns raw analyzer messages into a communication log entry
// plus staging rows, written together in one transaction.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/internal/platform/events"
)

type DeviceLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*device.Device, error)
	LookupCode(ctx context.Context, code string) (*device.Device, error)
}

type LogAppender interface {
	Append(ctx context.Context, e *commlog.Entry) error
}

type RowStore interface {
	CreateRows(ctx context.Context, rows []*staging.Row) error
	Staged(ctx context.Context, rows []*staging.Row)
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	AsTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// AfterIngest runs once the rows of a message are committed.
type AfterIngest func(ctx context.Context, rows []*staging.Row)

// Message is one raw payload received by a transport.
type Message struct {
	Transport commlog.Transport
	Source    string
	Payload   []byte
}

// Receipt describes what Ingest recorded.
type Receipt struct {
	Entry  *commlog.Entry `json:"log_entry"`
	Rows   []*staging.Row `json:"rows"`
	Parsed *Parsed        `json:"-"`
	Status commlog.Status `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

func (r *Receipt) Rejected() bool { return r.Status == commlog.StatusRejected }

type Service struct {
	devices DeviceLookup
	log     LogAppender
	rows    RowStore
	tx      TxRunner
	scripts ScriptRunner
	events  events.Sink
	after   AfterIngest
	maxSize int
	logger  zerolog.Logger
}

func NewService(devices DeviceLookup, log LogAppender, rows RowStore, tx TxRunner, maxSize int, logger zerolog.Logger) *Service {
	return &Service{
		devices: devices,
		log:     log,
		rows:    rows,
		tx:      tx,
		events:  events.Nop{},
		maxSize: maxSize,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

func (s *Service) SetScriptRunner(r ScriptRunner) { s.scripts = r }

func (s *Service) SetEventSink(sink events.Sink) {
	if sink == nil {
		sink = events.Nop{}
	}
	s.events = sink
}

// SetAfterIngest installs the hook run after each committed message, e.g.
// auto-reconciliation.
func (s *Service) SetAfterIngest(fn AfterIngest) { s.after = fn }

// Ingest parses msg for deviceID and records it. A message that cannot be
// parsed at all still gets a rejected log entry; the returned Receipt says
// so and the error is nil. Errors are reserved for failures to record.
func (s *Service) Ingest(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, msg Message) (*Receipt, error) {
	if err := caps.Require(auth.CapIngest); err != nil {
		return nil, err
	}
	d, err := s.devices.Lookup(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return s.ingest(ctx, d, msg)
}

// IngestCode is Ingest for transports that know the analyzer by code.
func (s *Service) IngestCode(ctx context.Context, caps auth.Capabilities, code string, msg Message) (*Receipt, error) {
	if err := caps.Require(auth.CapIngest); err != nil {
		return nil, err
	}
	d, err := s.devices.LookupCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", code, err)
	}
	return s.ingest(ctx, d, msg)
}

func (s *Service) ingest(ctx context.Context, d *device.Device, msg Message) (*Receipt, error) {
	entry := &commlog.Entry{
		DeviceID:  d.ID,
		Direction: commlog.Inbound,
		Transport: msg.Transport,
	}
	if msg.Source != "" {
		entry.SourceEndpoint = &msg.Source
	}
	entry.SetPayload(msg.Payload)

	rc := &Receipt{Entry: entry}
	var parsed *Parsed
	var parseErr error
	switch {
	case !d.Active:
		parseErr = fmt.Errorf("device %s is inactive", d.Code)
	case s.maxSize > 0 && len(msg.Payload) > s.maxSize:
		parseErr = fmt.Errorf("message of %d bytes exceeds limit of %d", len(msg.Payload), s.maxSize)
	default:
		parsed, parseErr = parse(ctx, d, msg.Payload, s.scripts)
	}
	rc.Parsed = parsed
	if parsed != nil && parsed.ControlID != "" {
		id := parsed.ControlID
		entry.MessageControlID = &id
	}

	var rows []*staging.Row
	if parseErr != nil {
		reason := parseErr.Error()
		entry.Status = commlog.StatusRejected
		entry.ErrorMessage = &reason
		rc.Reason = reason
	} else {
		rows = stagingRows(d.ID, parsed)
		entry.Status, entry.ErrorMessage = outcome(rows)
		entry.SampleIDs = sampleIDs(rows)
		entry.RowCount = len(rows)
	}
	rc.Status = entry.Status

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.log.Append(ctx, entry); err != nil {
			return err
		}
		for _, r := range rows {
			r.LogEntryID = &entry.ID
		}
		return s.rows.CreateRows(ctx, rows)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("device", d.Code).Str("transport", string(msg.Transport)).Msg("ingestion failed")
		return nil, fmt.Errorf("record message from %s: %w", d.Code, err)
	}
	rc.Rows = rows

	s.publish(ctx, d, entry)
	log := s.logger.Info()
	if rc.Rejected() {
		log = s.logger.Warn().Str("reason", rc.Reason)
	}
	log.Str("device", d.Code).Str("transport", string(msg.Transport)).Str("status", string(entry.Status)).
		Int("rows", len(rows)).Msg("message ingested")

	if len(rows) > 0 {
		s.rows.Staged(ctx, rows)
		if s.after != nil {
			s.after(ctx, rows)
		}
	}
	return rc, nil
}

func (s *Service) publish(ctx context.Context, d *device.Device, entry *commlog.Entry) {
	typ := events.TypeMessageIngest
	msg := string(entry.Status)
	if entry.Status == commlog.StatusRejected {
		typ = events.TypeMessageReject
		msg = *entry.ErrorMessage
	}
	s.events.Publish(ctx, events.Event{
		Type:       typ,
		TenantID:   db.TenantFromContext(ctx),
		DeviceID:   d.ID.String(),
		SampleID:   strings.Join(entry.SampleIDs, ","),
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	})
}

func stagingRows(deviceID uuid.UUID, p *Parsed) []*staging.Row {
	rows := make([]*staging.Row, 0, len(p.Results))
	for _, res := range p.Results {
		r := &staging.Row{
			DeviceID:       deviceID,
			SampleID:       res.SampleID,
			PatientRef:     optional(p.PatientRef),
			NativeCode:     res.NativeCode,
			NativeName:     optional(res.NativeName),
			Value:          res.Value,
			Unit:           optional(res.Unit),
			ReferenceRange: optional(res.ReferenceRange),
			AbnormalFlag:   optional(res.AbnormalFlag),
			ResultStatus:   staging.ResultFinal,
			ObservedAt:     res.ObservedAt,
			Status:         staging.StatusStaging,
		}
		if res.Preliminary {
			r.ResultStatus = staging.ResultPreliminary
		}
		if res.Err != "" {
			r.ParseFailed = true
			r.Apply(staging.Failed{Reason: res.Err})
		}
		rows = append(rows, r)
	}
	return rows
}

// outcome is accepted when every row parsed, partial otherwise. The first
// failure is copied onto the log entry.
func outcome(rows []*staging.Row) (commlog.Status, *string) {
	var failed []string
	for _, r := range rows {
		if r.ParseFailed {
			failed = append(failed, *r.ErrorMessage)
		}
	}
	switch {
	case len(failed) == 0:
		return commlog.StatusAccepted, nil
	case len(failed) == len(rows):
		msg := fmt.Sprintf("all %d results failed to parse: %s", len(rows), failed[0])
		return commlog.StatusPartial, &msg
	}
	msg := fmt.Sprintf("%d of %d results failed to parse: %s", len(failed), len(rows), failed[0])
	return commlog.StatusPartial, &msg
}

func sampleIDs(rows []*staging.Row) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		if r.SampleID != "" && !seen[r.SampleID] {
			seen[r.SampleID] = true
			out = append(out, r.SampleID)
		}
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
