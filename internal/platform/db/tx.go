package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction started by WithTx or RunInTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant-scoped connection in ctx and
// returns a derived context carrying it. Repositories pick the transaction
// up through TxFromContext.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxRunner runs fn inside a single database transaction. Callers that do
// not run behind TenantMiddleware (MLLP, MQTT, drop folder) fall back to a
// pool connection with the default tenant search_path.
type TxRunner struct {
	pool          *pgxpool.Pool
	defaultTenant string
}

func NewTxRunner(pool *pgxpool.Pool, defaultTenant string) *TxRunner {
	return &TxRunner{pool: pool, defaultTenant: defaultTenant}
}

// InTx commits when fn returns nil and rolls back otherwise. A transaction
// already present in ctx is reused so nested units join the outer one.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var tx pgx.Tx
	var err error
	if conn := ConnFromContext(ctx); conn != nil {
		ctx, tx, err = WithTx(ctx)
		if err != nil {
			return err
		}
	} else {
		tx, err = r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, shared, public", SchemaName(r.defaultTenant))); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("set search_path: %w", err)
		}
		ctx = context.WithValue(ctx, DBTxKey, tx)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AsTenant runs fn with a connection pinned to tenantID (the default tenant
// when empty) so reads outside a transaction see the right schema. A
// connection already in ctx is reused.
func (r *TxRunner) AsTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if ConnFromContext(ctx) != nil || TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if tenantID == "" {
		tenantID = r.defaultTenant
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	conn, release, err := acquireTenantConn(ctx, r.pool, tenantID)
	if err != nil {
		return err
	}
	defer release()
	ctx = WithTenant(ctx, tenantID)
	return fn(context.WithValue(ctx, DBConnKey, conn))
}
