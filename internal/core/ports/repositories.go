package ports

import (
	"context"

	"duocall/internal/core/domain"
)

// CallRecordStore is the shared record both participants negotiate through.
// Implementations must validate updates with CallRecord.Apply and reject
// Create when an open record already links the same two users.
type CallRecordStore interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	Find(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error)
	Update(ctx context.Context, id domain.CallID, update domain.RecordUpdate) (*domain.CallRecord, error)
	// Subscribe delivers the full record after every change, at least once.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context, id domain.CallID) (<-chan *domain.CallRecord, error)
}

// ManagedStore is a store owned by the process that created it.
type ManagedStore interface {
	CallRecordStore
	HealthCheck(ctx context.Context) error
	Close() error
}
