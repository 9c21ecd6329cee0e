package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"duocall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventRecordCreated EventType = "record.created"
	EventRecordUpdated EventType = "record.updated"
	EventRecordEnded   EventType = "record.ended"
)

const channelPrefix = "duocall:call:"

// Event carries the full record after a change.
type Event struct {
	Type       EventType          `json:"type"`
	InstanceID string             `json:"instance_id"`
	Timestamp  time.Time          `json:"timestamp"`
	CallID     domain.CallID      `json:"call_id"`
	Version    int64              `json:"version"`
	Record     *domain.CallRecord `json:"record"`
}

func EventTypeFor(record *domain.CallRecord) EventType {
	switch {
	case record.Status == domain.CallStatusEnded:
		return EventRecordEnded
	case record.Version <= 1:
		return EventRecordCreated
	}
	return EventRecordUpdated
}

// EventBus publishes record changes on one redis channel per call.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func Channel(id domain.CallID) string {
	return channelPrefix + string(id) + ":events"
}

// Publish announces the record's current state to every subscriber.
func (eb *EventBus) Publish(ctx context.Context, record *domain.CallRecord) error {
	event := Event{
		Type:       EventTypeFor(record),
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		CallID:     record.ID,
		Version:    record.Version,
		Record:     record,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, Channel(record.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"call_id", record.ID,
		"version", record.Version,
	)
	return nil
}

// Subscribe delivers events for one call until ctx is done. The returned
// channel is closed afterwards. Events from this instance are delivered too:
// both participants may share it.
func (eb *EventBus) Subscribe(ctx context.Context, id domain.CallID) (<-chan *Event, error) {
	pubsub := eb.client.Subscribe(ctx, Channel(id))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", id, err)
	}

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					eb.logger.Warnw("failed to unmarshal event",
						"error", err,
						"payload", msg.Payload,
					)
					continue
				}
				if event.Record == nil {
					continue
				}
				deliverLatest(out, &event)
			}
		}
	}()
	return out, nil
}

// deliverLatest drops the oldest queued event when the reader lags, so the
// newest state is always delivered.
func deliverLatest(out chan *Event, event *Event) {
	for {
		select {
		case out <- event:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
