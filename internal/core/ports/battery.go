package ports

import (
	"context"

	"duocall/internal/core/domain"
)

type BatterySource interface {
	Read(ctx context.Context) (domain.BatteryReading, error)
	// Watch streams readings pushed by the platform. A nil channel means the
	// source only supports polling.
	Watch(ctx context.Context) (<-chan domain.BatteryReading, error)
}
