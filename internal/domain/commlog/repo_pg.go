package commlog

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

const entryCols = `id, device_id, direction, transport, source_endpoint, message_control_id,
	payload_preview, payload_size, sample_ids, status, error_message, row_count, logged_at`

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.SampleIDs == nil {
		e.SampleIDs = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO comm_log_entry (id, device_id, direction, transport, source_endpoint,
			message_control_id, payload_preview, payload_size, sample_ids, status, error_message, row_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING logged_at`,
		e.ID, e.DeviceID, e.Direction, e.Transport, e.SourceEndpoint, e.MessageControlID,
		e.PayloadPreview, e.PayloadSize, e.SampleIDs, e.Status, e.ErrorMessage, e.RowCount).Scan(&e.LoggedAt)
}

func (r *repoPG) List(ctx context.Context, deviceID uuid.UUID, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM comm_log_entry
		WHERE device_id = $1
		ORDER BY logged_at DESC, id
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Direction, &e.Transport, &e.SourceEndpoint,
			&e.MessageControlID, &e.PayloadPreview, &e.PayloadSize, &e.SampleIDs, &e.Status,
			&e.ErrorMessage, &e.RowCount, &e.LoggedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
