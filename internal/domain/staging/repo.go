package staging

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateRows inserts rows staged from one message.
	CreateRows(ctx context.Context, rows []*Row) error
	GetByID(ctx context.Context, id uuid.UUID) (*Row, error)
	// List filters by exact status and sample id substring, newest first.
	List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]*Row, error)
	// ListForDevice returns rows in the given statuses, oldest first.
	ListForDevice(ctx context.Context, deviceID uuid.UUID, statuses []Status, limit int) ([]*Row, error)
	// ListForSample returns rows of one sample across devices, oldest first.
	ListForSample(ctx context.Context, sampleID string, statuses []Status) ([]*Row, error)
	// Transition writes next only if the row still matches expect. It
	// returns *apperr.ConflictError otherwise.
	Transition(ctx context.Context, id uuid.UUID, expect Expect, next State) (*Row, error)
}
