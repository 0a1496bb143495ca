package device

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	GetByCode(ctx context.Context, code string) (*Device, error)
	List(ctx context.Context, activeOnly bool) ([]*Device, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*Device, error)
}
