package device

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

const deviceCols = `id, code, name, protocol, parser_script, active, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Protocol, &d.ParserScript, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, d *Device) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_device (id, code, name, protocol, parser_script, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		d.ID, d.Code, d.Name, d.Protocol, d.ParserScript, d.Active).Scan(&d.CreatedAt, &d.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Invalid("code", fmt.Sprintf("device code %q is already registered", d.Code))
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `SELECT `+deviceCols+` FROM lab_device WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `SELECT `+deviceCols+` FROM lab_device WHERE LOWER(code) = LOWER($1)`, code))
}

func (r *repoPG) List(ctx context.Context, activeOnly bool) ([]*Device, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+deviceCols+` FROM lab_device
		WHERE ($1 = FALSE OR active)
		ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) (*Device, error) {
	return scanDevice(r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_device SET active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+deviceCols, id, active))
}
