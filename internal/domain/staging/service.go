package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/internal/platform/events"
	"github.com/ehr/labbridge/pkg/pagination"
)

type DeviceLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*device.Device, error)
}

type Service struct {
	rows    Repository
	devices DeviceLookup
	events  events.Sink
	logger  zerolog.Logger
}

func NewService(rows Repository, devices DeviceLookup, logger zerolog.Logger) *Service {
	return &Service{
		rows:    rows,
		devices: devices,
		events:  events.Nop{},
		logger:  logger.With().Str("component", "staging").Logger(),
	}
}

// SetEventSink publishes row transitions to sink.
func (s *Service) SetEventSink(sink events.Sink) {
	if sink == nil {
		sink = events.Nop{}
	}
	s.events = sink
}

func (s *Service) ListRows(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, f ListFilter) ([]*Row, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	f.SampleID = strings.TrimSpace(f.SampleID)
	f.Limit = pagination.Clamp(f.Limit)
	if _, err := s.devices.Lookup(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return s.rows.List(ctx, deviceID, f)
}

func (s *Service) GetRow(ctx context.Context, caps auth.Capabilities, id uuid.UUID) (*Row, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	return s.rows.GetByID(ctx, id)
}

// Row loads a row without a capability check, for the engine.
func (s *Service) Row(ctx context.Context, id uuid.UUID) (*Row, error) {
	return s.rows.GetByID(ctx, id)
}

// CreateRows stages rows parsed from one message. Runs inside the caller's
// ingestion transaction.
func (s *Service) CreateRows(ctx context.Context, rows []*Row) error {
	if err := s.rows.CreateRows(ctx, rows); err != nil {
		return fmt.Errorf("stage rows: %w", err)
	}
	return nil
}

// Staged announces freshly committed rows.
func (s *Service) Staged(ctx context.Context, rows []*Row) {
	tenant := db.TenantFromContext(ctx)
	for _, r := range rows {
		s.events.Publish(ctx, events.Event{
			Type:       events.TypeRowStaged,
			TenantID:   tenant,
			DeviceID:   r.DeviceID.String(),
			RowID:      r.ID.String(),
			SampleID:   r.SampleID,
			ToStatus:   string(r.Status),
			Message:    deref(r.ErrorMessage),
			OccurredAt: r.ReceivedAt,
		})
	}
}

func (s *Service) ListForDevice(ctx context.Context, deviceID uuid.UUID, statuses []Status, limit int) ([]*Row, error) {
	return s.rows.ListForDevice(ctx, deviceID, statuses, pagination.Clamp(limit))
}

func (s *Service) ListForSample(ctx context.Context, sampleID string, statuses []Status) ([]*Row, error) {
	return s.rows.ListForSample(ctx, sampleID, statuses)
}

// Transition moves row to next if the stored row still matches what the
// caller read. A row that changed underneath returns *apperr.ConflictError.
func (s *Service) Transition(ctx context.Context, row *Row, next State) (*Row, error) {
	if err := ValidateTransition(row.Status, next.Status()); err != nil {
		return nil, err
	}
	if row.Status == StatusError && next.Status() != StatusError && !row.Retryable() {
		return nil, fmt.Errorf("%w: row %s failed to parse", ErrIllegalTransition, row.ID)
	}
	updated, err := s.rows.Transition(ctx, row.ID, row.Expect(), next)
	if err != nil {
		var conflict *apperr.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Debug().Str("row_id", row.ID.String()).Msg(conflict.Reason)
		}
		return nil, err
	}
	if updated.Status != row.Status || updated.Status == StatusError {
		s.events.Publish(ctx, events.Event{
			Type:       events.TypeRowTransition,
			TenantID:   db.TenantFromContext(ctx),
			DeviceID:   updated.DeviceID.String(),
			RowID:      updated.ID.String(),
			SampleID:   updated.SampleID,
			FromStatus: string(row.Status),
			ToStatus:   string(updated.Status),
			Message:    deref(updated.ErrorMessage),
			OccurredAt: time.Now().UTC(),
		})
	}
	return updated, nil
}
