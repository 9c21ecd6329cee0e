package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/infrastructure/distributed"
	lock "duocall/pkg/distributed"
	"duocall/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "duocall:"
	maxUpdateRetries = 16
	pairLockTTL      = 5 * time.Second
	pairLockTimeout  = 3 * time.Second
	defaultEndedTTL  = 24 * time.Hour
	subscriberBuffer = 16
)

type Options struct {
	// EndedTTL bounds how long ended records are kept. Zero keeps the default.
	EndedTTL   time.Duration
	InstanceID string
}

// RedisCallRepository keeps call records as JSON documents. Updates run in
// WATCH transactions and every committed version is published on the
// record's channel.
type RedisCallRepository struct {
	client   redis.UniversalClient
	locks    *lock.LockManager
	events   *distributed.EventBus
	endedTTL time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time
}

var _ ports.ManagedStore = (*RedisCallRepository)(nil)

func NewRedisCallRepository(client redis.UniversalClient, opts Options, logger *zap.SugaredLogger) *RedisCallRepository {
	if opts.EndedTTL <= 0 {
		opts.EndedTTL = defaultEndedTTL
	}
	return &RedisCallRepository{
		client:   client,
		locks:    lock.NewLockManager(client, keyPrefix+"lock:"),
		events:   distributed.NewEventBus(client, opts.InstanceID, logger),
		endedTTL: opts.EndedTTL,
		logger:   logger,
		now:      time.Now,
	}
}

func callKey(id domain.CallID) string {
	return keyPrefix + "call:" + string(id)
}

func pairKey(pair string) string {
	return keyPrefix + "pair:" + pair
}

func userIndexKey(user domain.UserID, role domain.Role) string {
	return keyPrefix + "user:" + string(user) + ":" + string(role)
}

func (r *RedisCallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "redis", "create")
	defer span.End()

	stored := record.Clone()
	if stored.Status == "" {
		stored.Status = domain.CallStatusRinging
	}
	stored.Version = 1

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	pair := stored.PairKey()
	err = r.locks.WithLock(ctx, "pair:"+pair, pairLockTTL, pairLockTimeout, func() error {
		if err := r.checkPairFree(ctx, pair); err != nil {
			return err
		}

		created, err := r.client.SetNX(ctx, callKey(stored.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set call in Redis: %w", err)
		}
		if !created {
			return fmt.Errorf("call already exists: %s", stored.ID)
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, pairKey(pair), string(stored.ID), 0)
			pipe.SAdd(ctx, userIndexKey(stored.Initiator, domain.RoleInitiator), string(stored.ID))
			pipe.SAdd(ctx, userIndexKey(stored.Responder, domain.RoleResponder), string(stored.ID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to index call: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.publish(ctx, stored)
	return nil
}

// checkPairFree fails with ErrCallConflict while the pair's claimed record is
// still open. Stale claims left by expired records are cleared.
func (r *RedisCallRepository) checkPairFree(ctx context.Context, pair string) error {
	id, err := r.client.Get(ctx, pairKey(pair)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pair claim: %w", err)
	}

	existing, err := r.Get(ctx, domain.CallID(id))
	if err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		return err
	}
	if existing != nil && existing.Status.Open() {
		return fmt.Errorf("%w: %s", domain.ErrCallConflict, id)
	}
	return r.client.Del(ctx, pairKey(pair)).Err()
}

func (r *RedisCallRepository) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call from Redis: %w", err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &record, nil
}

func (r *RedisCallRepository) Find(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error) {
	indexKey := userIndexKey(filter.User, filter.Role)
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get calls from Redis: %w", err)
	}

	var (
		found []*domain.CallRecord
		stale []interface{}
	)
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		record, err := decodeRecord([]byte(data))
		if err != nil {
			r.logger.Warnw("skipping unreadable call record", "call_id", ids[i], "error", err)
			continue
		}
		if filter.Matches(record) {
			found = append(found, record)
		}
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			r.logger.Debugw("failed to prune call index", "key", indexKey, "error", err)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, nil
}

func (r *RedisCallRepository) Update(ctx context.Context, id domain.CallID, update domain.RecordUpdate) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "redis", "update")
	defer span.End()

	key := callKey(id)
	var result *domain.CallRecord
	changed := false

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrCallNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get call from Redis: %w", err)
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if update.Empty() {
			result, changed = record, false
			return nil
		}

		if err := record.Apply(update, r.now()); err != nil {
			return err
		}
		next, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if record.Status == domain.CallStatusEnded {
				pipe.Set(ctx, key, next, r.endedTTL)
			} else {
				pipe.Set(ctx, key, next, redis.KeepTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result, changed = record, true
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if changed {
			if result.Status == domain.CallStatusEnded {
				r.releasePair(ctx, result)
			}
			r.publish(ctx, result)
		}
		return result, nil
	}
	return nil, fmt.Errorf("update of %s kept conflicting after %d attempts", id, maxUpdateRetries)
}

// releasePair frees the pair claim if it still points at record.
func (r *RedisCallRepository) releasePair(ctx context.Context, record *domain.CallRecord) {
	key := pairKey(record.PairKey())
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, key).Result()
		if err == redis.Nil || (err == nil && id != string(record.ID)) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		r.logger.Warnw("failed to release pair claim", "call_id", record.ID, "error", err)
	}
}

func (r *RedisCallRepository) publish(ctx context.Context, record *domain.CallRecord) {
	if err := r.events.Publish(ctx, record); err != nil {
		r.logger.Warnw("failed to publish call change",
			"call_id", record.ID,
			"version", record.Version,
			"error", err,
		)
	}
}

// Subscribe does not replay the current record; callers read it with Get.
func (r *RedisCallRepository) Subscribe(ctx context.Context, id domain.CallID) (<-chan *domain.CallRecord, error) {
	exists, err := r.client.Exists(ctx, callKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check call: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrCallNotFound
	}

	events, err := r.events.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.CallRecord, subscriberBuffer)
	go func() {
		defer close(out)
		for event := range events {
			select {
			case out <- event.Record:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- event.Record:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisCallRepository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCallRepository) Close() error {
	return r.client.Close()
}
