package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
)

// ScriptCatalog reports which parse scripts are loaded.
type ScriptCatalog interface {
	Has(name string) bool
}

type Service struct {
	devices Repository
	scripts ScriptCatalog
	logger  zerolog.Logger
}

func NewService(devices Repository, logger zerolog.Logger) *Service {
	return &Service{devices: devices, logger: logger.With().Str("component", "device").Logger()}
}

// SetScriptCatalog enables validation of parser_script names on create.
func (s *Service) SetScriptCatalog(c ScriptCatalog) {
	s.scripts = c
}

func (s *Service) CreateDevice(ctx context.Context, caps auth.Capabilities, req CreateRequest) (*Device, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	d := &Device{
		Code:         strings.TrimSpace(req.Code),
		Name:         strings.TrimSpace(req.Name),
		Protocol:     req.Protocol,
		ParserScript: req.ParserScript,
		Active:       true,
	}
	if d.Protocol == "" {
		d.Protocol = ProtocolHL7v2
	}
	if err := validateDevice(d); err != nil {
		return nil, err
	}
	if d.Protocol == ProtocolScript && s.scripts != nil && !s.scripts.Has(*d.ParserScript) {
		return nil, apperr.Invalid("parser_script", fmt.Sprintf("script %q is not loaded", *d.ParserScript))
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info().Str("device", d.Code).Str("protocol", string(d.Protocol)).Msg("device registered")
	return d, nil
}

func validateDevice(d *Device) error {
	if d.Code == "" {
		return apperr.Invalid("code", "is required")
	}
	if !codePattern.MatchString(d.Code) {
		return apperr.Invalid("code", "may contain only letters, digits, '.', '_' and '-'")
	}
	if d.Name == "" {
		return apperr.Invalid("name", "is required")
	}
	if !d.Protocol.Valid() {
		return apperr.Invalid("protocol", fmt.Sprintf("unsupported protocol %q", d.Protocol))
	}
	if d.Protocol == ProtocolScript && (d.ParserScript == nil || *d.ParserScript == "") {
		return apperr.Invalid("parser_script", "is required for script devices")
	}
	if d.Protocol != ProtocolScript {
		d.ParserScript = nil
	}
	return nil
}

func (s *Service) GetDevice(ctx context.Context, caps auth.Capabilities, id uuid.UUID) (*Device, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	return s.devices.GetByID(ctx, id)
}

// Lookup resolves a device id without a capability check. Used by other
// lab services that have already checked the caller.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Device, error) {
	return s.devices.GetByID(ctx, id)
}

// LookupCode resolves an analyzer by its code, case-insensitively.
func (s *Service) LookupCode(ctx context.Context, code string) (*Device, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Invalid("device", "code is required")
	}
	return s.devices.GetByCode(ctx, strings.TrimSpace(code))
}

func (s *Service) ListDevices(ctx context.Context, caps auth.Capabilities, activeOnly bool) ([]*Device, error) {
	if err := caps.Require(auth.CapView); err != nil {
		return nil, err
	}
	return s.devices.List(ctx, activeOnly)
}

func (s *Service) SetActive(ctx context.Context, caps auth.Capabilities, id uuid.UUID, active bool) (*Device, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	d, err := s.devices.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("device", d.Code).Bool("active", active).Msg("device activation changed")
	return d, nil
}
