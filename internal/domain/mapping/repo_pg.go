package mapping

import (
	"context"
	"errors"
	"strings"

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

const mappingCols = `id, device_id, native_code, native_name, internal_test_id,
	default_unit, default_reference_range, is_active, created_at, updated_at`

func scanMapping(row pgx.Row) (*Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.DeviceID, &m.NativeCode, &m.NativeName, &m.InternalTestID,
		&m.DefaultUnit, &m.DefaultReferenceRange, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &m, err
}

func collect(rows pgx.Rows) ([]*Mapping, error) {
	defer rows.Close()
	var items []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// likePattern escapes LIKE wildcards so search is a literal substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func (r *repoPG) List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]*Mapping, error) {
	search := strings.TrimSpace(f.Search)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+mappingCols+` FROM channel_mapping
		WHERE device_id = $1
		  AND ($2 = '' OR native_code ILIKE $3 OR COALESCE(native_name, '') ILIKE $3)
		  AND ($4 = FALSE OR is_active)
		ORDER BY LOWER(native_code), updated_at DESC`,
		deviceID, search, likePattern(search), f.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Mapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mappingCols+` FROM channel_mapping WHERE id = $1`, id))
}

func (r *repoPG) Create(ctx context.Context, m *Mapping) error {
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO channel_mapping (id, device_id, native_code, native_name, internal_test_id,
			default_unit, default_reference_range, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		m.ID, m.DeviceID, m.NativeCode, m.NativeName, m.InternalTestID,
		m.DefaultUnit, m.DefaultReferenceRange, m.IsActive).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *repoPG) Update(ctx context.Context, m *Mapping) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE channel_mapping SET native_code = $2, native_name = $3, internal_test_id = $4,
			default_unit = $5, default_reference_range = $6, is_active = $7, updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, m.NativeCode, m.NativeName, m.InternalTestID,
		m.DefaultUnit, m.DefaultReferenceRange, m.IsActive).Scan(&m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM channel_mapping WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *repoPG) FindActive(ctx context.Context, deviceID uuid.UUID, code string) ([]*Mapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+mappingCols+` FROM channel_mapping
		WHERE device_id = $1 AND LOWER(native_code) = LOWER($2) AND is_active
		ORDER BY updated_at DESC, id`, deviceID, code)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) LockDevice(ctx context.Context, deviceID uuid.UUID) error {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM lab_device WHERE id = $1 FOR UPDATE`, deviceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}
