package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/circuitbreaker"
	"duocall/pkg/retry"
	"duocall/pkg/tracing"
	"duocall/pkg/utils"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SignalingConfig tunes call setup over the shared record.
type SignalingConfig struct {
	// AnswerTimeout bounds the time from setup until the transport connects.
	AnswerTimeout          time.Duration
	PollInterval           time.Duration
	DiscoveryInterval      time.Duration
	CandidateBatchSize     int
	CandidateFlushInterval time.Duration
	AutoAnswer             bool
	WriteRetry             retry.Config
	PollBreaker            circuitbreaker.Config
}

func DefaultSignalingConfig() SignalingConfig {
	return SignalingConfig{
		AnswerTimeout:          45 * time.Second,
		PollInterval:           3 * time.Second,
		DiscoveryInterval:      2 * time.Second,
		CandidateBatchSize:     8,
		CandidateFlushInterval: 150 * time.Millisecond,
		WriteRetry:             retry.DefaultConfig(),
		PollBreaker:            circuitbreaker.DefaultConfig(),
	}
}

// Store rejections that a retry cannot fix.
var permanentStoreErrors = []error{
	domain.ErrCallNotFound,
	domain.ErrCallConflict,
	domain.ErrCallEnded,
	domain.ErrInvalidTransition,
	domain.ErrWrongWriter,
	domain.ErrDescriptionMismatch,
}

type CallEngineConfig struct {
	Self            domain.UserID
	Device          domain.DeviceInfo
	NetworkHint     domain.NetworkHint
	Profiles        domain.ProfileTable
	Signaling       SignalingConfig
	Quality         QualityControllerConfig
	BatteryInterval time.Duration
}

type CallEngineDeps struct {
	Store      ports.CallRecordStore
	Transports ports.TransportFactory
	Media      ports.MediaSource
	Battery    ports.BatterySource
	Metrics    ports.CallMetrics
	Clock      TimeProvider
	Logger     *zap.SugaredLogger
}

// IncomingHandler is told about every newly discovered incoming call.
type IncomingHandler func(rec *domain.CallRecord)

// CallEngine owns at most one call session for the local user.
type CallEngine struct {
	self       domain.UserID
	cfg        CallEngineConfig
	store      ports.CallRecordStore
	transports ports.TransportFactory
	media      ports.MediaSource
	battery    ports.BatterySource
	resolver   *MediaConstraintResolver
	negotiator *CodecNegotiator
	tuner      *AudioTuner
	metrics    ports.CallMetrics
	clock      TimeProvider
	logger     *zap.SugaredLogger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// setupMu serializes Call and Answer.
	setupMu sync.Mutex

	mu               sync.RWMutex
	session          *callSession
	incomingHandlers []IncomingHandler
}

var _ ports.CallService = (*CallEngine)(nil)

func NewCallEngine(cfg CallEngineConfig, deps CallEngineDeps) (*CallEngine, error) {
	if cfg.Self == "" {
		return nil, errors.New("local user id is required")
	}
	if deps.Store == nil || deps.Transports == nil || deps.Media == nil {
		return nil, errors.New("store, transport factory and media source are required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = domain.DefaultProfileTable()
	}
	resolver, err := NewMediaConstraintResolver(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	defaults := DefaultSignalingConfig()
	if cfg.Signaling.AnswerTimeout <= 0 {
		cfg.Signaling.AnswerTimeout = defaults.AnswerTimeout
	}
	if cfg.Signaling.PollInterval <= 0 {
		cfg.Signaling.PollInterval = defaults.PollInterval
	}
	if cfg.Signaling.DiscoveryInterval <= 0 {
		cfg.Signaling.DiscoveryInterval = defaults.DiscoveryInterval
	}
	if cfg.Signaling.PollBreaker.FailureThreshold <= 0 {
		cfg.Signaling.PollBreaker = defaults.PollBreaker
	}
	if cfg.Quality.Interval <= 0 {
		cfg.Quality = DefaultQualityControllerConfig()
	}

	logger := deps.Logger.With("user_id", cfg.Self)
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &CallEngine{
		self:       cfg.Self,
		cfg:        cfg,
		store:      deps.Store,
		transports: deps.Transports,
		media:      deps.Media,
		battery:    deps.Battery,
		resolver:   resolver,
		negotiator: NewCodecNegotiator(cfg.Device, logger),
		tuner:      NewAudioTuner(cfg.Profiles, logger),
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Call places a call to peer. A ringing call from peer is answered instead,
// which also resolves both sides calling each other at once.
func (e *CallEngine) Call(ctx context.Context, peer domain.UserID) (*domain.SessionInfo, error) {
	ctx, span := tracing.TraceCall(ctx, "place", "", string(domain.RoleInitiator))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(string(peer)))

	info, err := e.call(ctx, peer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.CallIDKey.String(string(info.CallID)), tracing.RoleKey.String(string(info.Role)))
	return info, nil
}

func (e *CallEngine) call(ctx context.Context, peer domain.UserID) (*domain.SessionInfo, error) {
	if peer == "" {
		return nil, fmt.Errorf("%w: empty peer id", domain.ErrNotParticipant)
	}
	if peer == e.self {
		return nil, domain.ErrSelfCall
	}

	e.setupMu.Lock()
	defer e.setupMu.Unlock()

	if err := e.ensureIdle(ctx); err != nil {
		return nil, err
	}

	incoming, err := e.Incoming(ctx)
	if err != nil {
		return nil, fmt.Errorf("query incoming calls: %w", err)
	}
	// A ringing incoming call wins over a new outgoing one. A call from the
	// dialed peer is preferred, otherwise the oldest one is answered.
	if len(incoming) > 0 {
		answer := incoming[0]
		for _, rec := range incoming {
			if rec.Initiator == peer {
				answer = rec
				break
			}
		}
		e.logger.Infow("answering incoming call instead of placing a new one",
			"call_id", answer.ID,
			"caller", answer.Initiator,
			"dialed", peer,
		)
		return e.startSession(ctx, answer, domain.RoleResponder)
	}

	rec := domain.NewCallRecord(domain.CallID(utils.GenerateCallID()), e.self, peer, e.clock.Now())
	if err := e.store.Create(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrCallConflict) {
			return nil, fmt.Errorf("create call record: %w", err)
		}
		// The peer created the pair's record first.
		pending, findErr := e.pendingFrom(ctx, peer)
		if findErr != nil || pending == nil {
			return nil, err
		}
		e.logger.Infow("simultaneous call detected, answering peer's call", "call_id", pending.ID, "peer", peer)
		offered, waitErr := e.awaitOffer(ctx, pending.ID)
		if waitErr != nil {
			return nil, waitErr
		}
		return e.startSession(ctx, offered, domain.RoleResponder)
	}

	e.logger.Infow("call record created", "call_id", rec.ID, "peer", peer)
	return e.startSession(ctx, rec, domain.RoleInitiator)
}

// Answer accepts an incoming ringing call.
func (e *CallEngine) Answer(ctx context.Context, id domain.CallID) (*domain.SessionInfo, error) {
	ctx, span := tracing.TraceCall(ctx, "answer", string(id), string(domain.RoleResponder))
	defer span.End()

	info, err := e.answer(ctx, id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return info, nil
}

func (e *CallEngine) answer(ctx context.Context, id domain.CallID) (*domain.SessionInfo, error) {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()

	if err := e.ensureIdle(ctx); err != nil {
		return nil, err
	}
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if role, ok := rec.RoleOf(e.self); !ok || role != domain.RoleResponder {
		return nil, domain.ErrNotParticipant
	}
	switch rec.Status {
	case domain.CallStatusEnded:
		return nil, domain.ErrCallEnded
	case domain.CallStatusActive:
		return nil, fmt.Errorf("%w: call already answered", domain.ErrInvalidTransition)
	}
	if rec.Offer == nil {
		if rec, err = e.awaitOffer(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.startSession(ctx, rec, domain.RoleResponder)
}

// Decline ends an incoming call without answering it.
func (e *CallEngine) Decline(ctx context.Context, id domain.CallID) error {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if role, ok := rec.RoleOf(e.self); !ok || role != domain.RoleResponder {
		return domain.ErrNotParticipant
	}
	if rec.Status != domain.CallStatusRinging {
		return fmt.Errorf("%w: cannot decline a %s call", domain.ErrInvalidTransition, rec.Status)
	}
	_, err = e.store.Update(ctx, id, domain.RecordUpdate{
		Writer:    domain.RoleResponder,
		Status:    domain.CallStatusEnded,
		EndReason: domain.EndReasonDeclined,
	})
	if err != nil {
		return err
	}
	e.logger.Infow("call declined", "call_id", id, "peer", rec.Initiator)
	return nil
}

// Hangup ends the call whether or not a local session runs for it.
func (e *CallEngine) Hangup(ctx context.Context, id domain.CallID) error {
	if s := e.active(); s != nil && s.id == id {
		return s.End(ctx, domain.EndReasonHangup)
	}

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	role, ok := rec.RoleOf(e.self)
	if !ok {
		return domain.ErrNotParticipant
	}
	_, err = e.store.Update(ctx, id, domain.RecordUpdate{
		Writer:    role,
		Status:    domain.CallStatusEnded,
		EndReason: domain.EndReasonHangup,
	})
	return err
}

func (e *CallEngine) Current() (*domain.SessionInfo, bool) {
	s := e.active()
	if s == nil {
		return nil, false
	}
	return s.Info(), true
}

// Incoming lists ringing calls addressed to the local user that carry an offer.
func (e *CallEngine) Incoming(ctx context.Context) ([]*domain.CallRecord, error) {
	return e.store.Find(ctx, domain.CallFilter{
		User:         e.self,
		Role:         domain.RoleResponder,
		Statuses:     []domain.CallStatus{domain.CallStatusRinging},
		RequireOffer: true,
	})
}

func (e *CallEngine) SetMediaEnabled(kind domain.MediaKind, enabled bool) error {
	s := e.active()
	if s == nil {
		return domain.ErrCallNotFound
	}
	return s.SetMediaEnabled(kind, enabled)
}

func (e *CallEngine) OnIncoming(h IncomingHandler) {
	e.mu.Lock()
	e.incomingHandlers = append(e.incomingHandlers, h)
	e.mu.Unlock()
}

// WatchIncoming polls for new incoming calls until ctx is done. Each call
// is reported once; with AutoAnswer set it is answered when the engine is idle.
func (e *CallEngine) WatchIncoming(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Signaling.DiscoveryInterval)
	defer ticker.Stop()

	seen := make(map[domain.CallID]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.discover(ctx, seen)
		}
	}
}

func (e *CallEngine) discover(ctx context.Context, seen map[domain.CallID]struct{}) {
	incoming, err := e.Incoming(ctx)
	if err != nil {
		e.logger.Debugw("incoming call discovery failed", "error", err)
		return
	}

	current := make(map[domain.CallID]struct{}, len(incoming))
	for _, rec := range incoming {
		current[rec.ID] = struct{}{}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		e.logger.Infow("incoming call", "call_id", rec.ID, "from", rec.Initiator)

		e.mu.RLock()
		handlers := append([]IncomingHandler(nil), e.incomingHandlers...)
		e.mu.RUnlock()
		for _, h := range handlers {
			h(rec)
		}

		if e.cfg.Signaling.AutoAnswer && e.active() == nil {
			if _, err := e.Answer(ctx, rec.ID); err != nil {
				e.logger.Warnw("auto-answer failed", "call_id", rec.ID, "error", err)
			}
		}
	}
	for id := range seen {
		if _, ok := current[id]; !ok {
			delete(seen, id)
		}
	}
}

// Close ends the current call and stops all sessions.
func (e *CallEngine) Close(ctx context.Context) error {
	var err error
	if s := e.active(); s != nil {
		err = s.End(ctx, domain.EndReasonHangup)
	}
	e.baseCancel()
	return err
}

// ensureIdle fails when the local user already takes part in an open call.
func (e *CallEngine) ensureIdle(ctx context.Context) error {
	if e.active() != nil {
		return domain.ErrCallAlreadyActive
	}
	outgoing, err := e.store.Find(ctx, domain.CallFilter{
		User:     e.self,
		Role:     domain.RoleInitiator,
		Statuses: []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive},
	})
	if err != nil {
		return fmt.Errorf("query open calls: %w", err)
	}
	answered, err := e.store.Find(ctx, domain.CallFilter{
		User:     e.self,
		Role:     domain.RoleResponder,
		Statuses: []domain.CallStatus{domain.CallStatusActive},
	})
	if err != nil {
		return fmt.Errorf("query open calls: %w", err)
	}
	if len(outgoing)+len(answered) > 0 {
		return domain.ErrCallAlreadyActive
	}
	return nil
}

// pendingFrom returns the ringing call peer placed to the local user, with
// or without an offer yet.
func (e *CallEngine) pendingFrom(ctx context.Context, peer domain.UserID) (*domain.CallRecord, error) {
	recs, err := e.store.Find(ctx, domain.CallFilter{
		User:     e.self,
		Role:     domain.RoleResponder,
		Statuses: []domain.CallStatus{domain.CallStatusRinging},
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Initiator == peer {
			return rec, nil
		}
	}
	return nil, nil
}

// awaitOffer waits until the record carries an offer, bounded by the answer
// timeout.
func (e *CallEngine) awaitOffer(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Signaling.AnswerTimeout)
	defer cancel()

	updates, err := e.store.Subscribe(ctx, id)
	if err != nil {
		e.logger.Debugw("offer wait falls back to polling", "call_id", id, "error", err)
	}
	ticker := time.NewTicker(e.cfg.Signaling.PollInterval)
	defer ticker.Stop()

	check := func(rec *domain.CallRecord) (*domain.CallRecord, bool, error) {
		if rec == nil {
			return nil, false, nil
		}
		if rec.Status == domain.CallStatusEnded {
			return nil, true, domain.ErrCallEnded
		}
		return rec, rec.Offer != nil, nil
	}

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		if r, done, err := check(rec); done {
			return r, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.ErrAnswerTimeout
			}
			return nil, ctx.Err()
		case r, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			rec = r
		case <-ticker.C:
			if r, err := e.store.Get(ctx, id); err == nil {
				rec = r
			}
		}
	}
}

func (e *CallEngine) startSession(ctx context.Context, rec *domain.CallRecord, role domain.Role) (*domain.SessionInfo, error) {
	s := e.newSession(rec, role)
	if err := s.start(ctx, rec); err != nil {
		s.logger.Warnw("call setup failed", "error", err)
		s.shutdown(domain.EndReasonSetupFailed, true)
		return nil, err
	}

	e.mu.Lock()
	if !s.Finished() {
		e.session = s
	}
	e.mu.Unlock()
	return s.Info(), nil
}

func (e *CallEngine) newSession(rec *domain.CallRecord, role domain.Role) *callSession {
	logger := e.logger.With("call_id", rec.ID, "role", role)
	battery := NewBatteryMonitor(e.battery, e.cfg.BatteryInterval, e.clock, logger)
	controller := NewQualityController(e.cfg.Quality, e.resolver.Profiles(), battery, e.clock, e.metrics, logger)
	ctx, cancel := context.WithCancel(e.baseCtx)

	s := &callSession{
		id:           rec.ID,
		role:         role,
		peer:         rec.Participant(role.Opposite()),
		store:        e.store,
		media:        e.media,
		transports:   e.transports,
		resolver:     e.resolver,
		negotiator:   e.negotiator,
		tuner:        e.tuner,
		controller:   controller,
		cfg:          e.cfg.Signaling,
		writeRetry:   e.cfg.Signaling.WriteRetry.WithNonRetryable(permanentStoreErrors...),
		breaker:      circuitbreaker.New(e.cfg.Signaling.PollBreaker),
		metrics:      e.metrics,
		clock:        e.clock,
		logger:       logger,
		onEnded:      e.sessionEnded,
		initialLevel: e.resolver.InitialLevel(e.cfg.NetworkHint),
		startedAt:    e.clock.Now(),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan *domain.CallRecord, 16),
		states:       make(chan domain.ConnectionState, 8),
		endReqs:      make(chan domain.EndReason),
		finished:     make(chan struct{}),
		connected:    atomic.NewBool(false),
		videoWanted:  atomic.NewBool(true),
		status:       domain.CallStatusRinging,
		connState:    domain.ConnectionStateNew,
	}
	controller.OnLevelChange(s.applyLevel)
	controller.OnFramerateCap(s.applyFramerate)
	return s
}

func (e *CallEngine) sessionEnded(s *callSession) {
	e.mu.Lock()
	if e.session == s {
		e.session = nil
	}
	e.mu.Unlock()
}

func (e *CallEngine) active() *callSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}
