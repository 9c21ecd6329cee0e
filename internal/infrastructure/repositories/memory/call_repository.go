package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

const subscriberBuffer = 16

type MemoryCallRepository struct {
	records     map[domain.CallID]*domain.CallRecord
	openPairs   map[string]domain.CallID
	subscribers map[domain.CallID]map[uint64]chan *domain.CallRecord
	nextSubID   uint64
	now         func() time.Time
	closed      bool
	mu          sync.RWMutex
}

func NewMemoryCallRepository() *MemoryCallRepository {
	return &MemoryCallRepository{
		records:     make(map[domain.CallID]*domain.CallRecord),
		openPairs:   make(map[string]domain.CallID),
		subscribers: make(map[domain.CallID]map[uint64]chan *domain.CallRecord),
		now:         time.Now,
	}
}

var _ ports.ManagedStore = (*MemoryCallRepository)(nil)

func (r *MemoryCallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return fmt.Errorf("call already exists: %s", record.ID)
	}
	pair := record.PairKey()
	if id, open := r.openPairs[pair]; open {
		return fmt.Errorf("%w: %s", domain.ErrCallConflict, id)
	}

	stored := record.Clone()
	if stored.Status == "" {
		stored.Status = domain.CallStatusRinging
	}
	stored.Version = 1
	r.records[stored.ID] = stored
	r.openPairs[pair] = stored.ID
	return nil
}

func (r *MemoryCallRepository) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	return record.Clone(), nil
}

func (r *MemoryCallRepository) Find(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*domain.CallRecord
	for _, record := range r.records {
		if filter.Matches(record) {
			found = append(found, record.Clone())
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, nil
}

func (r *MemoryCallRepository) Update(ctx context.Context, id domain.CallID, update domain.RecordUpdate) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	if update.Empty() {
		return record.Clone(), nil
	}

	next := record.Clone()
	if err := next.Apply(update, r.now()); err != nil {
		return nil, err
	}
	r.records[id] = next
	if next.Status == domain.CallStatusEnded {
		delete(r.openPairs, next.PairKey())
	}
	r.notify(next)
	return next.Clone(), nil
}

// Subscribe never blocks writers: a subscriber that falls behind misses
// intermediate versions but always sees a later one.
func (r *MemoryCallRepository) Subscribe(ctx context.Context, id domain.CallID) (<-chan *domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return nil, domain.ErrCallNotFound
	}
	ch := make(chan *domain.CallRecord, subscriberBuffer)
	r.nextSubID++
	subID := r.nextSubID
	if r.subscribers[id] == nil {
		r.subscribers[id] = make(map[uint64]chan *domain.CallRecord)
	}
	r.subscribers[id][subID] = ch

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if subs, ok := r.subscribers[id]; ok {
			if c, ok := subs[subID]; ok {
				delete(subs, subID)
				close(c)
			}
			if len(subs) == 0 {
				delete(r.subscribers, id)
			}
		}
	}()
	return ch, nil
}

// notify must be called with r.mu held.
func (r *MemoryCallRepository) notify(record *domain.CallRecord) {
	for _, ch := range r.subscribers[record.ID] {
		select {
		case ch <- record.Clone():
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- record.Clone():
			default:
			}
		}
	}
}

// Purge removes ended records older than ttl.
func (r *MemoryCallRepository) Purge(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	removed := 0
	for id, record := range r.records {
		if record.Status == domain.CallStatusEnded && record.EndedAt != nil && record.EndedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

func (r *MemoryCallRepository) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (r *MemoryCallRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
