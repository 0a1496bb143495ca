package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
)

type DeviceLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*device.Device, error)
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the channel mapping store. It keeps no cache: every Resolve
// reads the current rows, so edits take effect on the next lookup.
type Service struct {
	mappings Repository
	devices  DeviceLookup
	tx       TxRunner
	logger   zerolog.Logger
}

func NewService(mappings Repository, devices DeviceLookup, tx TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		mappings: mappings,
		devices:  devices,
		tx:       tx,
		logger:   logger.With().Str("component", "mapping").Logger(),
	}
}

func (s *Service) ListMappings(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, f ListFilter) ([]*Mapping, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	if _, err := s.devices.Lookup(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return s.mappings.List(ctx, deviceID, f)
}

func (s *Service) GetMapping(ctx context.Context, caps auth.Capabilities, id uuid.UUID) (*Mapping, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	return s.mappings.GetByID(ctx, id)
}

func (s *Service) CreateMapping(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, req CreateRequest) (*Mapping, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	m := &Mapping{
		DeviceID:              deviceID,
		NativeCode:            strings.TrimSpace(req.NativeCode),
		NativeName:            normalizeOptional(req.NativeName),
		InternalTestID:        normalizeOptional(req.InternalTestID),
		DefaultUnit:           normalizeOptional(req.DefaultUnit),
		DefaultReferenceRange: normalizeOptional(req.DefaultReferenceRange),
		IsActive:              true,
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	if m.NativeCode == "" {
		return nil, apperr.Invalid("native_code", "is required")
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.mappings.LockDevice(ctx, deviceID); err != nil {
			return fmt.Errorf("device %s: %w", deviceID, err)
		}
		if m.IsActive {
			if err := s.ensureUnique(ctx, deviceID, m.NativeCode, uuid.Nil); err != nil {
				return err
			}
		}
		return s.mappings.Create(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("device_id", deviceID.String()).Str("native_code", m.NativeCode).
		Bool("mapped", m.Mapped()).Msg("channel mapping created")
	return m, nil
}

// UpdateMapping applies a partial update. Uniqueness is re-checked when the
// code changes or the mapping is (re)activated.
func (s *Service) UpdateMapping(ctx context.Context, caps auth.Capabilities, id uuid.UUID, req UpdateRequest) (*Mapping, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}

	var out *Mapping
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.mappings.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.mappings.LockDevice(ctx, m.DeviceID); err != nil {
			return err
		}

		codeChanged := false
		if req.NativeCode != nil {
			code := strings.TrimSpace(*req.NativeCode)
			if code == "" {
				return apperr.Invalid("native_code", "is required")
			}
			codeChanged = !strings.EqualFold(code, m.NativeCode)
			m.NativeCode = code
		}
		if req.NativeName != nil {
			m.NativeName = normalizeOptional(req.NativeName)
		}
		if req.InternalTestID != nil {
			m.InternalTestID = normalizeOptional(req.InternalTestID)
		}
		if req.DefaultUnit != nil {
			m.DefaultUnit = normalizeOptional(req.DefaultUnit)
		}
		if req.DefaultReferenceRange != nil {
			m.DefaultReferenceRange = normalizeOptional(req.DefaultReferenceRange)
		}
		activated := false
		if req.IsActive != nil {
			activated = *req.IsActive && !m.IsActive
			m.IsActive = *req.IsActive
		}

		if m.IsActive && (codeChanged || activated) {
			if err := s.ensureUnique(ctx, m.DeviceID, m.NativeCode, m.ID); err != nil {
				return err
			}
		}
		if err := s.mappings.Update(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("mapping_id", id.String()).Str("native_code", out.NativeCode).
		Bool("active", out.IsActive).Msg("channel mapping updated")
	return out, nil
}

func (s *Service) DeleteMapping(ctx context.Context, caps auth.Capabilities, id uuid.UUID) error {
	if err := caps.Require(auth.CapManage); err != nil {
		return err
	}
	if err := s.mappings.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("mapping_id", id.String()).Msg("channel mapping deleted")
	return nil
}

func (s *Service) ensureUnique(ctx context.Context, deviceID uuid.UUID, code string, self uuid.UUID) error {
	existing, err := s.mappings.FindActive(ctx, deviceID, code)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.ID != self {
			return apperr.Invalid("native_code", fmt.Sprintf("an active mapping for %q already exists on this device", m.NativeCode))
		}
	}
	return nil
}

// Resolve returns the active mappings for (deviceID, code), most recently
// updated first. Callers pick the first and must report when there are
// several.
func (s *Service) Resolve(ctx context.Context, deviceID uuid.UUID, code string) ([]*Mapping, error) {
	return s.mappings.FindActive(ctx, deviceID, strings.TrimSpace(code))
}
