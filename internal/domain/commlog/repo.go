package commlog

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, deviceID uuid.UUID, limit int) ([]*Entry, error)
}
