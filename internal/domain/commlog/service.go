package commlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/pkg/pagination"
)

type DeviceLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*device.Device, error)
}

type Service struct {
	entries Repository
	devices DeviceLookup
	logger  zerolog.Logger
}

func NewService(entries Repository, devices DeviceLookup, logger zerolog.Logger) *Service {
	return &Service{entries: entries, devices: devices, logger: logger.With().Str("component", "commlog").Logger()}
}

// Append records one exchange. It runs inside the caller's transaction;
// an error here must fail the ingestion that triggered it.
func (s *Service) Append(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.entries.Append(ctx, e); err != nil {
		return fmt.Errorf("append communication log: %w", err)
	}
	return nil
}

// ListEntries returns the most recent entries first. limit is clamped to
// the pagination bounds.
func (s *Service) ListEntries(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, limit int) ([]*Entry, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	if _, err := s.devices.Lookup(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return s.entries.List(ctx, deviceID, pagination.Clamp(limit))
}
