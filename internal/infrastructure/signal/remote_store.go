package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrDisconnected = errors.New("record server connection lost")

const remoteSubscriberBuffer = 16

// RemoteStore is a CallRecordStore backed by a RecordServer. It dials
// lazily and redials on the next request after the connection drops.
// Subscriptions do not survive a reconnect: their channels are closed and
// callers fall back to polling.
type RemoteStore struct {
	url          string
	dialer       *websocket.Dialer
	dialRetry    retry.Config
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Message
	subs    map[string]chan *domain.CallRecord
	closed  bool

	writeMu sync.Mutex
}

var _ ports.ManagedStore = (*RemoteStore)(nil)

func NewRemoteStore(url string, logger *zap.SugaredLogger) *RemoteStore {
	return &RemoteStore{
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		dialRetry:    retry.DefaultConfig(),
		writeTimeout: 10 * time.Second,
		logger:       logger,
		pending:      make(map[string]chan Message),
		subs:         make(map[string]chan *domain.CallRecord),
	}
}

// connect returns the live connection, dialing when there is none.
func (s *RemoteStore) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("remote store closed")
	}
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := retry.RetryWithResult(ctx, s.dialRetry, func() (*websocket.Conn, error) {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.conn = conn
	s.logger.Infow("connected to record server", "url", s.url)
	go s.readLoop(conn)
	return conn, nil
}

func (s *RemoteStore) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			s.dropConnection(conn, err)
			return
		}

		if msg.Type == TypeRecord {
			s.deliver(msg)
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (s *RemoteStore) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[msg.Subscription]
	if !ok || msg.Record == nil {
		return
	}
	// A full buffer drops its oldest record; deliver never blocks the
	// read loop.
	select {
	case ch <- msg.Record:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg.Record:
	default:
		s.logger.Warnw("subscription buffer full, dropping record", "subscription", msg.Subscription, "call_id", msg.Record.ID)
	}
}

// dropConnection fails every waiter and closes every subscription bound to
// conn.
func (s *RemoteStore) dropConnection(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	conn.Close()
	s.conn = nil
	if !s.closed {
		s.logger.Warnw("record server connection lost", "url", s.url, "error", cause)
	}

	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *RemoteStore) request(ctx context.Context, msg Message) (Message, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return Message{}, err
	}

	msg.ID = uuid.NewString()
	reply := make(chan Message, 1)
	s.mu.Lock()
	s.pending[msg.ID] = reply
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err = conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.dropConnection(conn, err)
		return Message{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return Message{}, ErrDisconnected
		}
		if resp.Type == TypeError && resp.Error != nil {
			return Message{}, resp.Error.Err()
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

func (s *RemoteStore) Create(ctx context.Context, record *domain.CallRecord) error {
	_, err := s.request(ctx, Message{Type: TypeCreate, Record: record})
	return err
}

func (s *RemoteStore) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	resp, err := s.request(ctx, Message{Type: TypeGet, CallID: id})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (s *RemoteStore) Find(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error) {
	resp, err := s.request(ctx, Message{Type: TypeFind, Filter: &filter})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (s *RemoteStore) Update(ctx context.Context, id domain.CallID, update domain.RecordUpdate) (*domain.CallRecord, error) {
	resp, err := s.request(ctx, Message{Type: TypeUpdate, CallID: id, Update: &update})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Subscribe registers the channel before asking the server, so a
// notification racing the result is not lost.
func (s *RemoteStore) Subscribe(ctx context.Context, id domain.CallID) (<-chan *domain.CallRecord, error) {
	if _, err := s.connect(ctx); err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	ch := make(chan *domain.CallRecord, remoteSubscriberBuffer)
	s.mu.Lock()
	s.subs[subID] = ch
	s.mu.Unlock()

	if _, err := s.request(ctx, Message{Type: TypeSubscribe, CallID: id, Subscription: subID}); err != nil {
		s.removeSub(subID)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		if s.removeSub(subID) {
			unsubCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			defer cancel()
			if _, err := s.request(unsubCtx, Message{Type: TypeUnsubscribe, Subscription: subID}); err != nil {
				s.logger.Debugw("unsubscribe failed", "call_id", id, "error", err)
			}
		}
	}()
	return ch, nil
}

// removeSub closes the subscription channel. It reports false when the
// connection already did.
func (s *RemoteStore) removeSub(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[subID]
	if !ok {
		return false
	}
	close(ch)
	delete(s.subs, subID)
	return true
}

func (s *RemoteStore) HealthCheck(ctx context.Context) error {
	_, err := s.connect(ctx)
	return err
}

func (s *RemoteStore) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.dropConnection(conn, nil)
	return nil
}
