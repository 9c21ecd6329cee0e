package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/pkg/batch"
	"duocall/pkg/circuitbreaker"
	"duocall/pkg/retry"
	"duocall/pkg/utils"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const teardownWriteTimeout = 5 * time.Second

// callSession drives one participant's side of a call. Both roles run the
// same algorithm; the role only decides which description and candidate
// list are written and which are read.
type callSession struct {
	id   domain.CallID
	role domain.Role
	peer domain.UserID

	store      ports.CallRecordStore
	media      ports.MediaSource
	transports ports.TransportFactory
	resolver   *MediaConstraintResolver
	negotiator *CodecNegotiator
	tuner      *AudioTuner
	controller *QualityController
	cfg        SignalingConfig
	writeRetry retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	metrics    ports.CallMetrics
	clock      TimeProvider
	logger     *zap.SugaredLogger
	onEnded    func(*callSession)

	initialLevel domain.QualityLevel
	startedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	transport ports.PeerTransport
	capture   ports.MediaCapture
	batcher   *batch.Batcher[domain.Candidate]

	events   chan *domain.CallRecord
	states   chan domain.ConnectionState
	endReqs  chan domain.EndReason
	finished chan struct{}

	// Owned by the loop goroutine, or by start before the loop runs.
	candidates    *candidateQueue
	remoteApplied bool
	localSent     bool
	lastVersion   int64

	connected   *atomic.Bool
	videoWanted *atomic.Bool

	mu          sync.RWMutex
	status      domain.CallStatus
	connState   domain.ConnectionState
	endReason   domain.EndReason
	connectedAt time.Time

	teardownOnce sync.Once
}

// start opens local media, builds the transport and runs the first
// synchronization step in the caller's goroutine, so that setup failures
// are returned directly. On error the caller must shut the session down.
func (s *callSession) start(ctx context.Context, rec *domain.CallRecord) error {
	s.metrics.CallStarted(s.role)

	constraints := s.resolver.Constraints(s.initialLevel)
	capture, err := s.media.Open(s.ctx, constraints)
	if err != nil {
		return fmt.Errorf("open local media: %w", err)
	}
	s.capture = capture

	transport, err := s.transports.NewTransport(s.ctx)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.transport = transport
	s.candidates = newCandidateQueue(transport, s.metrics, s.logger)

	if err := transport.AddTracks(capture); err != nil {
		return fmt.Errorf("add local tracks: %w", err)
	}
	if err := s.configureSenders(s.initialLevel); err != nil {
		s.logger.Warnw("initial sender configuration incomplete", "error", err)
	}

	s.batcher = batch.NewBatcher(s.cfg.CandidateBatchSize, s.cfg.CandidateFlushInterval, s.publishCandidates,
		func(err error, items []domain.Candidate) {
			s.logger.Warnw("publishing local candidates failed", "count", len(items), "error", err)
		})
	transport.OnICECandidate(s.onLocalCandidate)
	transport.OnConnectionStateChange(s.onConnectionState)

	updates, err := s.store.Subscribe(s.ctx, s.id)
	if err != nil {
		s.logger.Warnw("record notifications unavailable, polling only", "error", err)
		updates = nil
	}

	if err := s.sync(ctx, rec); err != nil {
		return err
	}

	if updates != nil {
		go s.feedPush(updates)
	}
	go s.feedPoll()
	go s.loop()

	s.logger.Infow("call session started",
		"peer", s.peer,
		"level", s.initialLevel,
	)
	return nil
}

func (s *callSession) loop() {
	timer := time.NewTimer(s.cfg.AnswerTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case <-s.ctx.Done():
			return

		case rec := <-s.events:
			if err := s.sync(s.ctx, rec); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warnw("call setup failed", "error", err)
				s.shutdown(domain.EndReasonSetupFailed, true)
				return
			}
			if s.ctx.Err() != nil {
				return
			}

		case state := <-s.states:
			s.mu.Lock()
			s.connState = state
			s.mu.Unlock()
			s.logger.Infow("connection state changed", "state", state)

			switch state {
			case domain.ConnectionStateConnected:
				timer.Stop()
				timeout = nil
				s.onConnected()
			case domain.ConnectionStateFailed, domain.ConnectionStateClosed:
				s.shutdown(domain.EndReasonTransportFailure, true)
				return
			}

		case <-timeout:
			s.logger.Warnw("call not established before timeout", "timeout", s.cfg.AnswerTimeout)
			s.shutdown(domain.EndReasonTimeout, true)
			return

		case reason := <-s.endReqs:
			s.shutdown(reason, true)
			return
		}
	}
}

// sync reconciles local state with rec. It is idempotent: applying the same
// record twice, or an older one, changes nothing.
func (s *callSession) sync(ctx context.Context, rec *domain.CallRecord) error {
	if rec == nil || rec.ID != s.id || rec.Version < s.lastVersion {
		return nil
	}
	s.lastVersion = rec.Version

	if rec.Status == domain.CallStatusEnded {
		reason := rec.EndReason
		if reason == "" {
			reason = domain.EndReasonHangup
		}
		s.logger.Infow("call ended by record", "reason", reason, "ended_by", rec.EndedBy)
		s.shutdown(reason, false)
		return nil
	}
	if rec.Status == domain.CallStatusActive {
		s.setStatus(domain.CallStatusActive)
	}

	remoteRole := s.role.Opposite()
	if !s.remoteApplied {
		if remote := rec.DescriptionOf(remoteRole); remote != nil {
			if remote.Type != remoteRole.DescriptionType() {
				return fmt.Errorf("%w: expected %s, got %s", domain.ErrDescriptionMismatch, remoteRole.DescriptionType(), remote.Type)
			}
			if err := s.transport.SetRemoteDescription(ctx, *remote); err != nil {
				return fmt.Errorf("apply remote %s: %w", remote.Type, err)
			}
			s.remoteApplied = true
			s.logger.Debugw("remote description applied", "type", remote.Type)
			s.candidates.MarkReady()
		}
	}

	if !s.localSent && (s.role.CreatesOffer() || s.remoteApplied) {
		if err := s.publishLocalDescription(ctx); err != nil {
			return err
		}
	}

	s.candidates.Push(rec.CandidatesOf(remoteRole))
	return nil
}

func (s *callSession) publishLocalDescription(ctx context.Context) error {
	if err := verifyLocalTracks(s.transport); err != nil {
		return err
	}

	var (
		desc domain.SessionDescription
		err  error
	)
	if s.role.CreatesOffer() {
		desc, err = s.transport.CreateOffer(ctx)
	} else {
		desc, err = s.transport.CreateAnswer(ctx)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", s.role.DescriptionType(), err)
	}

	tuned, err := s.tuner.TuneDescription(desc, s.initialLevel)
	if err != nil {
		s.logger.Warnw("audio parameters not tuned", "error", err)
		tuned = desc
	}
	if err := verifyDescriptionMedia(tuned); err != nil {
		return err
	}
	if err := s.transport.SetLocalDescription(ctx, tuned); err != nil {
		return fmt.Errorf("set local %s: %w", tuned.Type, err)
	}

	update := domain.RecordUpdate{
		Writer:      s.role,
		Description: &tuned,
		Status:      s.role.StatusAfterDescription(),
	}
	if _, err := s.write(ctx, update); err != nil {
		return fmt.Errorf("publish %s: %w", tuned.Type, err)
	}
	s.localSent = true
	if status := s.role.StatusAfterDescription(); status != "" {
		s.setStatus(status)
	}
	s.logger.Infow("local description published", "type", tuned.Type)
	return nil
}

func (s *callSession) write(ctx context.Context, update domain.RecordUpdate) (*domain.CallRecord, error) {
	return retry.RetryWithResult(ctx, s.writeRetry, func() (*domain.CallRecord, error) {
		return s.store.Update(ctx, s.id, update)
	})
}

func (s *callSession) publishCandidates(ctx context.Context, items []domain.Candidate) error {
	_, err := s.write(ctx, domain.RecordUpdate{Writer: s.role, Candidates: items})
	if errors.Is(err, domain.ErrCallEnded) {
		return nil
	}
	return err
}

func (s *callSession) onLocalCandidate(c domain.Candidate) {
	if !s.batcher.Add(c) {
		s.logger.Debugw("dropping local candidate after teardown", "candidate", c.Candidate)
	}
}

func (s *callSession) onConnectionState(state domain.ConnectionState) {
	select {
	case s.states <- state:
	case <-s.ctx.Done():
	}
}

func (s *callSession) deliver(rec *domain.CallRecord) {
	select {
	case s.events <- rec:
	case <-s.ctx.Done():
	}
}

func (s *callSession) feedPush(updates <-chan *domain.CallRecord) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				if s.ctx.Err() == nil {
					s.logger.Warnw("record notifications closed, polling only")
				}
				return
			}
			s.deliver(rec)
		}
	}
}

// feedPoll re-reads the record periodically so that a missed notification
// only delays the session. Failures trip the breaker instead of hammering
// an unavailable store.
func (s *callSession) feedPoll() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			rec, err := circuitbreaker.Call(s.ctx, s.breaker, func() (*domain.CallRecord, error) {
				return s.store.Get(s.ctx, s.id)
			})
			if err != nil {
				if s.ctx.Err() == nil && !errors.Is(err, circuitbreaker.ErrOpen) {
					s.logger.Debugw("polling call record failed", "error", err)
				}
				continue
			}
			s.deliver(rec)
		}
	}
}

func (s *callSession) onConnected() {
	if !s.connected.CompareAndSwap(false, true) {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.connectedAt = now
	s.mu.Unlock()

	s.metrics.SetupCompleted(s.role, now.Sub(s.startedAt))
	s.controller.Start(s.ctx, s.transport, s.initialLevel)
}

// applyLevel re-applies capture constraints, sender caps, codec order and
// audio tuning for a new quality level.
func (s *callSession) applyLevel(ctx context.Context, change LevelChange) error {
	replaced, err := s.capture.ApplyConstraints(ctx, s.resolver.Constraints(change.To))
	if err != nil {
		return fmt.Errorf("apply constraints: %w", err)
	}
	for _, track := range replaced {
		if err := s.transport.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", track.Kind(), err)
		}
	}
	return s.configureSenders(change.To)
}

func (s *callSession) applyFramerate(_ context.Context, fps int) error {
	profile := s.resolver.Profile(s.controller.Level())
	return s.transport.SetEncodingParameters(domain.MediaKindVideo, domain.EncodingParameters{
		MaxBitrateBps: profile.VideoKbps * 1000,
		MaxFramerate:  fps,
		Active:        profile.HasVideo(),
	})
}

func (s *callSession) configureSenders(level domain.QualityLevel) error {
	profile := s.resolver.Profile(level)
	if video := s.capture.VideoTrack(); video != nil {
		video.SetEnabled(profile.HasVideo() && s.videoWanted.Load())
	}
	err := s.transport.SetEncodingParameters(domain.MediaKindVideo, domain.EncodingParameters{
		MaxBitrateBps: profile.VideoKbps * 1000,
		MaxFramerate:  profile.MaxFPS,
		Active:        profile.HasVideo(),
	})
	if err != nil {
		return fmt.Errorf("video encoding parameters: %w", err)
	}
	if err := s.negotiator.Apply(s.transport, level); err != nil {
		return fmt.Errorf("codec preferences: %w", err)
	}
	if err := s.tuner.Apply(s.transport, level); err != nil {
		return fmt.Errorf("audio tuning: %w", err)
	}
	return nil
}

// SetMediaEnabled mutes or unmutes a local track. The track stays attached
// to the transport either way.
func (s *callSession) SetMediaEnabled(kind domain.MediaKind, enabled bool) error {
	switch kind {
	case domain.MediaKindAudio:
		track := s.capture.AudioTrack()
		if track == nil {
			return domain.ErrMissingLocalTracks
		}
		track.SetEnabled(enabled)
	case domain.MediaKindVideo:
		track := s.capture.VideoTrack()
		if track == nil {
			return domain.ErrMissingLocalTracks
		}
		s.videoWanted.Store(enabled)
		s.controller.SetVideoPaused(!enabled)
		track.SetEnabled(enabled && s.resolver.Profile(s.level()).HasVideo())
	default:
		return fmt.Errorf("unknown media kind %q", kind)
	}
	s.logger.Infow("local media toggled", "kind", kind, "enabled", enabled)
	return nil
}

// End asks the session loop to end the call and waits for teardown.
func (s *callSession) End(ctx context.Context, reason domain.EndReason) error {
	select {
	case s.endReqs <- reason:
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown is the single teardown path. writeRecord is false when the end
// was read from the record.
func (s *callSession) shutdown(reason domain.EndReason, writeRecord bool) {
	s.teardownOnce.Do(func() {
		s.cancel()
		s.controller.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), teardownWriteTimeout)
		defer cancel()

		if s.batcher != nil {
			if writeRecord {
				_ = s.batcher.Stop(ctx)
			} else {
				s.batcher.Discard()
			}
		}
		if writeRecord {
			_, err := s.write(ctx, domain.RecordUpdate{
				Writer:    s.role,
				Status:    domain.CallStatusEnded,
				EndReason: reason,
			})
			if err != nil && !errors.Is(err, domain.ErrCallEnded) {
				s.logger.Warnw("writing call end failed", "reason", reason, "error", err)
			}
		}
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				s.logger.Debugw("closing transport", "error", err)
			}
		}
		if s.capture != nil {
			s.capture.Stop()
		}

		now := s.clock.Now()
		s.mu.Lock()
		s.status = domain.CallStatusEnded
		s.endReason = reason
		var duration time.Duration
		if !s.connectedAt.IsZero() {
			duration = now.Sub(s.connectedAt)
		}
		s.mu.Unlock()

		s.metrics.CallEnded(reason, duration)
		s.logger.Infow("call ended", "reason", reason, "duration", utils.FormatCallDuration(duration))

		close(s.finished)
		if s.onEnded != nil {
			s.onEnded(s)
		}
	})
}

func (s *callSession) Finished() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

func (s *callSession) setStatus(status domain.CallStatus) {
	s.mu.Lock()
	if s.status != domain.CallStatusEnded {
		s.status = status
	}
	s.mu.Unlock()
}

func (s *callSession) level() domain.QualityLevel {
	if s.connected.Load() {
		return s.controller.Level()
	}
	return s.initialLevel
}

func (s *callSession) Info() *domain.SessionInfo {
	s.mu.RLock()
	info := &domain.SessionInfo{
		CallID:          s.id,
		Role:            s.role,
		Peer:            s.peer,
		Status:          s.status,
		ConnectionState: s.connState,
		StartedAt:       s.startedAt,
		EndReason:       s.endReason,
	}
	s.mu.RUnlock()

	info.Level = s.level()
	info.FramerateCap = s.resolver.Profile(info.Level).MaxFPS
	if s.connected.Load() {
		info.FramerateCap = s.controller.FramerateCap()
	}
	info.Battery = s.controller.Battery()
	if s.capture != nil {
		if audio := s.capture.AudioTrack(); audio != nil {
			info.AudioEnabled = audio.Enabled()
		}
		if video := s.capture.VideoTrack(); video != nil {
			info.VideoEnabled = video.Enabled()
		}
	}
	return info
}
