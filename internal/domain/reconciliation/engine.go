// Package reconciliation advances staging rows from staging through mapped
// to posted: native code → internal test via the channel mappings, then
// internal test → open clinical order via the order gateway.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/domain/mapping"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/orderapi"
	"github.com/ehr/labbridge/pkg/pagination"
)

type DeviceLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*device.Device, error)
}

type MappingResolver interface {
	Resolve(ctx context.Context, deviceID uuid.UUID, code string) ([]*mapping.Mapping, error)
}

type RowStore interface {
	Row(ctx context.Context, id uuid.UUID) (*staging.Row, error)
	ListForDevice(ctx context.Context, deviceID uuid.UUID, statuses []staging.Status, limit int) ([]*staging.Row, error)
	ListForSample(ctx context.Context, sampleID string, statuses []staging.Status) ([]*staging.Row, error)
	Transition(ctx context.Context, row *staging.Row, next staging.State) (*staging.Row, error)
}

// OrderGateway is the clinical order subsystem.
type OrderGateway interface {
	FindOpenOrder(ctx context.Context, sampleID, testID string) (*orderapi.Order, error)
	SubmitResult(ctx context.Context, orderID string, r orderapi.Result) error
}

// DefaultClaimLease is how long a mapped row stays reserved for the caller
// that claimed it for posting.
const DefaultClaimLease = 2 * time.Minute

type Engine struct {
	devices  DeviceLookup
	mappings MappingResolver
	rows     RowStore
	orders   OrderGateway
	logger   zerolog.Logger
	lease    time.Duration
	now      func() time.Time
}

func NewEngine(devices DeviceLookup, mappings MappingResolver, rows RowStore, orders OrderGateway, logger zerolog.Logger) *Engine {
	return &Engine{
		devices:  devices,
		mappings: mappings,
		rows:     rows,
		orders:   orders,
		logger:   logger.With().Str("component", "reconciliation").Logger(),
		lease:    DefaultClaimLease,
		now:      time.Now,
	}
}

// SetClaimLease overrides DefaultClaimLease. It should exceed the longest
// order lookup plus submission.
func (e *Engine) SetClaimLease(d time.Duration) {
	if d > 0 {
		e.lease = d
	}
}

// AutoMapDevice runs every open row of a device, oldest first.
func (e *Engine) AutoMapDevice(ctx context.Context, caps auth.Capabilities, deviceID uuid.UUID, opts Options) (*Result, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	d, err := e.devices.Lookup(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	rows, err := e.rows.ListForDevice(ctx, deviceID, opts.statuses(), pagination.Clamp(opts.Limit))
	if err != nil {
		return nil, fmt.Errorf("list rows for %s: %w", d.Code, err)
	}
	res := e.run(ctx, rows, newDeviceCache(e.devices, d))
	e.logger.Info().Str("device", d.Code).Int("processed", res.Processed).Interface("summary", res.Summary).
		Bool("cancelled", res.Cancelled).Msg("auto-map device finished")
	return res, nil
}

// AutoMapSample runs every open row of one specimen across devices.
func (e *Engine) AutoMapSample(ctx context.Context, caps auth.Capabilities, sampleID string, opts Options) (*Result, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	sampleID = strings.TrimSpace(sampleID)
	if sampleID == "" {
		return nil, apperr.Invalid("sample_id", "is required")
	}
	rows, err := e.rows.ListForSample(ctx, sampleID, opts.statuses())
	if err != nil {
		return nil, fmt.Errorf("list rows for sample %s: %w", sampleID, err)
	}
	res := e.run(ctx, rows, newDeviceCache(e.devices))
	e.logger.Info().Str("sample_id", sampleID).Int("processed", res.Processed).Interface("summary", res.Summary).
		Bool("cancelled", res.Cancelled).Msg("auto-map sample finished")
	return res, nil
}

// MapRow resolves one row. A posted row is returned unchanged with outcome
// already_posted; an error row is retried from scratch.
func (e *Engine) MapRow(ctx context.Context, caps auth.Capabilities, rowID uuid.UUID) (*Outcome, error) {
	if err := caps.Require(auth.CapManage); err != nil {
		return nil, err
	}
	row, err := e.rows.Row(ctx, rowID)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", rowID, err)
	}
	return e.reconcile(ctx, row, newDeviceCache(e.devices)), nil
}

// AutoReconcile runs freshly ingested rows. Rows that failed to parse are
// skipped.
func (e *Engine) AutoReconcile(ctx context.Context, rows []*staging.Row) *Result {
	var open []*staging.Row
	for _, r := range rows {
		if r.Status == staging.StatusStaging {
			open = append(open, r)
		}
	}
	if len(open) == 0 {
		return newResult()
	}
	res := e.run(ctx, open, newDeviceCache(e.devices))
	e.logger.Debug().Int("processed", res.Processed).Interface("summary", res.Summary).Msg("auto-reconcile finished")
	return res
}

func (e *Engine) run(ctx context.Context, rows []*staging.Row, devices *deviceCache) *Result {
	res := newResult()
	for _, row := range rows {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		res.add(e.reconcile(ctx, row, devices))
	}
	return res
}

func outcomeFor(row *staging.Row, kind Kind) *Outcome {
	return &Outcome{
		RowID:      row.ID,
		SampleID:   row.SampleID,
		NativeCode: row.NativeCode,
		Outcome:    kind,
		Status:     row.Status,
		TestID:     deref(row.InternalTestID),
		OrderID:    deref(row.OrderID),
		Message:    deref(row.ErrorMessage),
		Row:        row,
	}
}

// reconcile walks one row as far as it can go. Every write is a
// compare-and-set against the version last read, so a concurrent caller
// that got there first turns this call into a conflict outcome.
func (e *Engine) reconcile(ctx context.Context, row *staging.Row, devices *deviceCache) *Outcome {
	switch {
	case row.Status == staging.StatusPosted:
		return outcomeFor(row, KindAlreadyPosted)
	case row.Status == staging.StatusError && !row.Retryable():
		return outcomeFor(row, KindNotRetryable)
	case row.Claimed(e.now(), e.lease):
		o := outcomeFor(row, KindConflict)
		o.Message = "row is being posted by another request"
		return o
	}
	log := e.logger.With().Str("row_id", row.ID.String()).Str("sample_id", row.SampleID).Str("code", row.NativeCode).Logger()

	// Mappings are re-read for every row so a deactivation made while a
	// batch runs applies to the rows not yet visited.
	candidates, err := e.mappings.Resolve(ctx, row.DeviceID, row.NativeCode)
	if err != nil {
		log.Error().Err(err).Msg("mapping lookup failed")
		return e.fail(ctx, row, "mapping lookup failed: "+err.Error(), log)
	}
	var warning string
	if len(candidates) > 1 {
		warning = fmt.Sprintf("%d active mappings for code %q, using the most recently updated (%s)",
			len(candidates), row.NativeCode, candidates[0].ID)
		log.Warn().Int("candidates", len(candidates)).Str("mapping_id", candidates[0].ID.String()).Msg("ambiguous channel mapping")
	}

	if len(candidates) == 0 || !candidates[0].Mapped() {
		o := e.notConfigured(ctx, row, devices)
		o.Warning = warning
		return o
	}
	testID := strings.TrimSpace(*candidates[0].InternalTestID)

	// Claim the row: staging/error → mapped, or an unclaimed mapped → mapped.
	// Only one concurrent caller wins this and goes on to submit; the others
	// see the claim until it is released or the lease runs out.
	now := e.now()
	claimed, err := e.rows.Transition(ctx, row, staging.Mapped{TestID: testID, ClaimedAt: &now})
	if err != nil {
		o := e.writeFailed(row, err, log)
		o.Warning = warning
		return o
	}
	row = claimed

	o := e.post(ctx, row, testID, devices, log)
	o.Warning = warning
	return o
}

// notConfigured handles a code without a usable mapping. A staging row
// stays put. A row that had been mapped lost its mapping and fails. An
// error row being retried goes back to staging.
func (e *Engine) notConfigured(ctx context.Context, row *staging.Row, devices *deviceCache) *Outcome {
	nc := &apperr.NotConfiguredError{DeviceCode: devices.code(ctx, row.DeviceID), NativeCode: row.NativeCode}
	switch row.Status {
	case staging.StatusStaging:
		o := outcomeFor(row, KindNotConfigured)
		o.Message = nc.Error()
		return o
	case staging.StatusMapped:
		reason := fmt.Sprintf("mapping for code %q is no longer active", row.NativeCode)
		return e.fail(ctx, row, reason, e.logger)
	}
	updated, err := e.rows.Transition(ctx, row, staging.Staging{})
	if err != nil {
		return e.writeFailed(row, err, e.logger)
	}
	o := outcomeFor(updated, KindNotConfigured)
	o.Message = nc.Error()
	return o
}

func (e *Engine) post(ctx context.Context, row *staging.Row, testID string, devices *deviceCache, log zerolog.Logger) *Outcome {
	if row.Preliminary() {
		held, err := e.rows.Transition(context.WithoutCancel(ctx), row, staging.Mapped{TestID: testID})
		if err != nil {
			return e.writeFailed(row, err, log)
		}
		o := outcomeFor(held, KindMapped)
		o.Message = "preliminary result held until final"
		return o
	}

	order, err := e.orders.FindOpenOrder(ctx, row.SampleID, testID)
	if err != nil {
		return e.failWith(ctx, row, err, log)
	}
	result := orderapi.Result{
		RowID:          row.ID.String(),
		SampleID:       row.SampleID,
		TestID:         testID,
		Value:          row.Value,
		Unit:           deref(row.Unit),
		ReferenceRange: deref(row.ReferenceRange),
		AbnormalFlag:   deref(row.AbnormalFlag),
		ObservedAt:     row.ObservedAt,
		DeviceCode:     devices.code(ctx, row.DeviceID),
		NativeCode:     row.NativeCode,
	}
	if err := e.orders.SubmitResult(ctx, order.ID, result); err != nil {
		return e.failWith(ctx, row, err, log)
	}

	// The result is recorded upstream; the local write must not be lost to
	// a caller that hung up.
	posted, err := e.rows.Transition(context.WithoutCancel(ctx), row, staging.Posted{
		TestID:    testID,
		OrderID:   order.ID,
		PatientID: order.PatientID,
	})
	if err != nil {
		return e.writeFailed(row, err, log)
	}
	log.Info().Str("order_id", order.ID).Str("test_id", testID).Msg("result posted")
	return outcomeFor(posted, KindPosted)
}

// failWith records an order lookup or submission failure on the row.
func (e *Engine) failWith(ctx context.Context, row *staging.Row, cause error, log zerolog.Logger) *Outcome {
	var transport *apperr.TransportError
	if errors.As(cause, &transport) {
		log.Warn().Err(cause).Msg("order service unavailable")
	}
	return e.fail(ctx, row, cause.Error(), log)
}

func (e *Engine) fail(ctx context.Context, row *staging.Row, reason string, log zerolog.Logger) *Outcome {
	failed, err := e.rows.Transition(context.WithoutCancel(ctx), row, staging.Failed{Reason: reason, TestID: row.InternalTestID})
	if err != nil {
		return e.writeFailed(row, err, log)
	}
	log.Info().Str("reason", reason).Msg("row moved to error")
	return outcomeFor(failed, KindError)
}

// writeFailed turns a failed transition into an outcome. Losing a
// compare-and-set is a conflict; anything else is an error left on the
// outcome since the row itself could not be updated.
func (e *Engine) writeFailed(row *staging.Row, err error, log zerolog.Logger) *Outcome {
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		log.Debug().Str("reason", conflict.Reason).Msg("row advanced concurrently")
		o := outcomeFor(row, KindConflict)
		o.Message = conflict.Reason
		return o
	}
	log.Error().Err(err).Msg("row transition failed")
	o := outcomeFor(row, KindError)
	o.Message = err.Error()
	return o
}

// deviceCache resolves device codes once per batch. Devices, unlike
// mappings, do not change in ways that matter mid-batch.
type deviceCache struct {
	lookup DeviceLookup
	codes  map[uuid.UUID]string
}

func newDeviceCache(lookup DeviceLookup, known ...*device.Device) *deviceCache {
	c := &deviceCache{lookup: lookup, codes: make(map[uuid.UUID]string)}
	for _, d := range known {
		c.codes[d.ID] = d.Code
	}
	return c
}

func (c *deviceCache) code(ctx context.Context, id uuid.UUID) string {
	if code, ok := c.codes[id]; ok {
		return code
	}
	code := id.String()
	if d, err := c.lookup.Lookup(ctx, id); err == nil {
		code = d.Code
	}
	c.codes[id] = code
	return code
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
