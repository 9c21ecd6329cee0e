package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	apperrors "duocall/pkg/errors"
	"duocall/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // nodes are not browsers
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 100,
		Burst:             200,
		MaxMessageSize:    256 * 1024,
	}
}

// RecordServer exposes a CallRecordStore to remote nodes over websocket.
type RecordServer struct {
	store  ports.CallRecordStore
	cfg    ServerConfig
	admit  func(r *http.Request) bool
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[*connection]struct{}
}

func NewRecordServer(store ports.CallRecordStore, cfg ServerConfig, logger *zap.SugaredLogger) *RecordServer {
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaults.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	return &RecordServer{
		store:       store,
		cfg:         cfg,
		admit:       func(*http.Request) bool { return true },
		logger:      logger,
		connections: make(map[*connection]struct{}),
	}
}

// SetAdmission installs a check run before upgrading, typically a
// per-client connection rate limit.
func (s *RecordServer) SetAdmission(admit func(r *http.Request) bool) {
	s.admit = admit
}

type connection struct {
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *RecordServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit(r) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		conn:    conn,
		send:    make(chan Message, 64),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		ctx:     ctx,
		cancel:  cancel,
		logger:  s.logger.With("remote_addr", r.RemoteAddr),
		subs:    make(map[string]context.CancelFunc),
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()
	c.logger.Infow("node connected")

	go s.writeLoop(c)
	s.readLoop(c)

	cancel()
	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
	c.logger.Infow("node disconnected")
}

func (s *RecordServer) readLoop(c *connection) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading message", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			c.reply(errorMessage(msg.ID, apperrors.NewRateLimitError()))
			continue
		}
		c.reply(s.handleMessage(c, msg))
	}
}

// writeLoop is the only writer on the socket.
func (s *RecordServer) writeLoop(c *connection) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Infow("error writing message", "error", err)
				c.cancel()
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) reply(msg Message) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (s *RecordServer) handleMessage(c *connection, msg Message) Message {
	ctx, span := tracing.TraceWebSocketMessage(c.ctx, msg.Type, string(msg.CallID))
	defer span.End()
	result := Message{ID: msg.ID, Type: TypeResult}

	switch msg.Type {
	case TypeCreate:
		if msg.Record == nil || msg.Record.ID == "" {
			return errorMessage(msg.ID, apperrors.NewInvalidInputError("record with id is required"))
		}
		if err := s.store.Create(ctx, msg.Record); err != nil {
			return errorMessage(msg.ID, err)
		}
		rec, err := s.store.Get(ctx, msg.Record.ID)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		result.Record = rec

	case TypeGet:
		rec, err := s.store.Get(ctx, msg.CallID)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		result.Record = rec

	case TypeFind:
		if msg.Filter == nil || msg.Filter.User == "" || !msg.Filter.Role.Valid() {
			return errorMessage(msg.ID, apperrors.NewInvalidInputError("filter with user and role is required"))
		}
		recs, err := s.store.Find(ctx, *msg.Filter)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		result.Records = recs

	case TypeUpdate:
		if msg.Update == nil {
			return errorMessage(msg.ID, apperrors.NewInvalidInputError("update is required"))
		}
		rec, err := s.store.Update(ctx, msg.CallID, *msg.Update)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		result.Record = rec

	case TypeSubscribe:
		if msg.Subscription == "" {
			return errorMessage(msg.ID, apperrors.NewInvalidInputError("subscription id is required"))
		}
		if err := s.subscribe(c, msg.CallID, msg.Subscription); err != nil {
			return errorMessage(msg.ID, err)
		}
		result.Subscription = msg.Subscription

	case TypeUnsubscribe:
		c.unsubscribe(msg.Subscription)
		result.Subscription = msg.Subscription

	default:
		return errorMessage(msg.ID, apperrors.NewInvalidInputError("unknown message type: "+msg.Type))
	}
	return result
}

// subscribe forwards changes of one record until the client unsubscribes or
// disconnects. The subscription result is queued before any notification.
func (s *RecordServer) subscribe(c *connection, id domain.CallID, subID string) error {
	ctx, cancel := context.WithCancel(c.ctx)
	updates, err := s.store.Subscribe(ctx, id)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if prev, ok := c.subs[subID]; ok {
		prev()
	}
	c.subs[subID] = cancel
	c.mu.Unlock()

	go func() {
		for rec := range updates {
			c.reply(Message{Type: TypeRecord, Subscription: subID, CallID: id, Record: rec})
		}
	}()
	return nil
}

func (c *connection) unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[subID]; ok {
		cancel()
		delete(c.subs, subID)
	}
}

func (s *RecordServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close disconnects every node.
func (s *RecordServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.connections {
		c.cancel()
	}
}

func (s *RecordServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	if hc, ok := s.store.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(r.Context()); err != nil {
			response["status"] = "unhealthy"
			response["error"] = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(response)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
