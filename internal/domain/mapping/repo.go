package mapping

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]*Mapping, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Mapping, error)
	Create(ctx context.Context, m *Mapping) error
	Update(ctx context.Context, m *Mapping) error
	Delete(ctx context.Context, id uuid.UUID) error
	// FindActive returns active mappings of deviceID whose code equals code
	// case-insensitively, most recently updated first.
	FindActive(ctx context.Context, deviceID uuid.UUID, code string) ([]*Mapping, error)
	// LockDevice serializes mapping writes for one device inside a tx.
	LockDevice(ctx context.Context, deviceID uuid.UUID) error
}
