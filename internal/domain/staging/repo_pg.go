package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const rowCols = `id, device_id, log_entry_id, sample_id, patient_ref, native_code, native_name,
	value, unit, reference_range, abnormal_flag, result_status, observed_at, status,
	internal_test_id, order_id, patient_id, error_message, claimed_at, parse_failed, version,
	received_at, updated_at`

func scanRow(row pgx.Row) (*Row, error) {
	var r Row
	err := row.Scan(&r.ID, &r.DeviceID, &r.LogEntryID, &r.SampleID, &r.PatientRef, &r.NativeCode,
		&r.NativeName, &r.Value, &r.Unit, &r.ReferenceRange, &r.AbnormalFlag, &r.ResultStatus,
		&r.ObservedAt, &r.Status, &r.InternalTestID, &r.OrderID, &r.PatientID, &r.ErrorMessage,
		&r.ClaimedAt, &r.ParseFailed, &r.Version, &r.ReceivedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &r, err
}

func collect(rows pgx.Rows) ([]*Row, error) {
	defer rows.Close()
	var items []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateRows(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.ResultStatus == "" {
			row.ResultStatus = ResultFinal
		}
		row.Version = 1
		b.Queue(`
			INSERT INTO staging_result (id, device_id, log_entry_id, sample_id, patient_ref, native_code,
				native_name, value, unit, reference_range, abnormal_flag, result_status, observed_at,
				status, internal_test_id, order_id, patient_id, error_message, parse_failed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
			RETURNING received_at, updated_at`,
			row.ID, row.DeviceID, row.LogEntryID, row.SampleID, row.PatientRef, row.NativeCode,
			row.NativeName, row.Value, row.Unit, row.ReferenceRange, row.AbnormalFlag, row.ResultStatus,
			row.ObservedAt, row.Status, row.InternalTestID, row.OrderID, row.PatientID, row.ErrorMessage,
			row.ParseFailed)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()
	for _, row := range rows {
		if err := br.QueryRow().Scan(&row.ReceivedAt, &row.UpdatedAt); err != nil {
			return fmt.Errorf("insert staging row %s: %w", row.NativeCode, err)
		}
	}
	return br.Close()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Row, error) {
	return scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+rowCols+` FROM staging_result WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]*Row, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rowCols+` FROM staging_result
		WHERE device_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR strpos(lower(sample_id), lower($3)) > 0)
		ORDER BY received_at DESC, id
		LIMIT $4`,
		deviceID, string(f.Status), f.SampleID, f.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *repoPG) ListForDevice(ctx context.Context, deviceID uuid.UUID, statuses []Status, limit int) ([]*Row, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rowCols+` FROM staging_result
		WHERE device_id = $1 AND status = ANY($2)
		ORDER BY received_at, id
		LIMIT $3`, deviceID, statusStrings(statuses), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) ListForSample(ctx context.Context, sampleID string, statuses []Status) ([]*Row, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rowCols+` FROM staging_result
		WHERE sample_id = $1 AND status = ANY($2)
		ORDER BY received_at, id`, sampleID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, expect Expect, next State) (*Row, error) {
	c, err := columnsOf(next)
	if err != nil {
		return nil, err
	}
	row, err := scanRow(r.conn(ctx).QueryRow(ctx, `
		UPDATE staging_result
		SET status = $4, internal_test_id = $5, order_id = $6, patient_id = $7, error_message = $8,
			claimed_at = $9, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING `+rowCols,
		id, expect.Status, expect.Version, c.Status, c.InternalTestID, c.OrderID, c.PatientID, c.ErrorMessage,
		c.ClaimedAt))
	if !errors.Is(err, apperr.ErrNotFound) {
		return row, err
	}

	var current Status
	var version int
	err = r.conn(ctx).QueryRow(ctx, `SELECT status, version FROM staging_result WHERE id = $1`, id).Scan(&current, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, conflict(id, expect, current, version)
}

func conflict(id uuid.UUID, expect Expect, current Status, version int) error {
	return &apperr.ConflictError{Reason: fmt.Sprintf(
		"row %s already advanced: expected %s v%d, found %s v%d", id, expect.Status, expect.Version, current, version)}
}
