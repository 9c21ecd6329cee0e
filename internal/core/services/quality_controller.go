package services

import (
	"context"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	CauseBattery   = "battery"
	CauseHardBrake = "hard_brake"
	CauseDowngrade = "downgrade"
	CauseUpgrade   = "upgrade"
)

type QualityControllerConfig struct {
	Interval               time.Duration
	Cooldown               time.Duration
	PoorSamplesToDowngrade int
	GoodSamplesToUpgrade   int
	// Samples after a level change during which the bitrate criterion is
	// ignored while the encoder ramps up.
	BitrateGraceSamples int
	FramerateSteps      []int
	ThrottleNACKDelta   uint64
	RelaxAfterSamples   int
	Thresholds          QualityThresholds
}

func DefaultQualityControllerConfig() QualityControllerConfig {
	return QualityControllerConfig{
		Interval:               2 * time.Second,
		Cooldown:               12 * time.Second,
		PoorSamplesToDowngrade: 2,
		GoodSamplesToUpgrade:   8,
		BitrateGraceSamples:    2,
		FramerateSteps:         []int{30, 20, 15, 12},
		ThrottleNACKDelta:      20,
		RelaxAfterSamples:      5,
		Thresholds:             DefaultQualityThresholds(),
	}
}

type LevelChange struct {
	From  domain.QualityLevel
	To    domain.QualityLevel
	Cause string
	At    time.Time
}

// LevelChangeHandler re-applies media settings for a new level. Handlers run
// on the controller goroutine, one change at a time.
type LevelChangeHandler func(ctx context.Context, change LevelChange) error

// FramerateHandler applies an encoder framerate cap.
type FramerateHandler func(ctx context.Context, fps int) error

type StatsSource interface {
	Stats(ctx context.Context) (domain.TransportStats, error)
}

// controllerState is owned by the control loop goroutine.
type controllerState struct {
	level              domain.QualityLevel
	lastChange         time.Time
	poor               int
	good               int
	samplesSinceChange int
	fpsStep            int
	calm               int
	sampler            NetworkSampler
}

func newControllerState(level domain.QualityLevel) *controllerState {
	return &controllerState{level: level.Clamp()}
}

func (s *controllerState) resetCounters() {
	s.poor = 0
	s.good = 0
}

// QualityController is the per-call adaptive quality loop.
type QualityController struct {
	cfg      QualityControllerConfig
	quality  *QualityService
	profiles domain.ProfileTable
	battery  *BatteryMonitor
	clock    TimeProvider
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	level       *atomic.Int32
	fpsCap      *atomic.Int32
	videoPaused *atomic.Bool

	mu                 sync.Mutex
	cancel             context.CancelFunc
	done               chan struct{}
	unsubscribeBattery func()
	levelHandlers      []LevelChangeHandler
	fpsHandlers        []FramerateHandler
	wake               chan struct{}
}

func NewQualityController(
	cfg QualityControllerConfig,
	profiles domain.ProfileTable,
	battery *BatteryMonitor,
	clock TimeProvider,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *QualityController {
	if clock == nil {
		clock = SystemClock()
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if len(cfg.FramerateSteps) == 0 {
		cfg.FramerateSteps = DefaultQualityControllerConfig().FramerateSteps
	}
	return &QualityController{
		cfg:         cfg,
		quality:     NewQualityService(cfg.Thresholds, profiles),
		profiles:    profiles,
		battery:     battery,
		clock:       clock,
		metrics:     metrics,
		logger:      logger,
		level:       atomic.NewInt32(int32(domain.WorstQuality)),
		fpsCap:      atomic.NewInt32(0),
		videoPaused: atomic.NewBool(false),
		wake:        make(chan struct{}, 1),
	}
}

func (c *QualityController) OnLevelChange(h LevelChangeHandler) {
	c.mu.Lock()
	c.levelHandlers = append(c.levelHandlers, h)
	c.mu.Unlock()
}

func (c *QualityController) OnFramerateCap(h FramerateHandler) {
	c.mu.Lock()
	c.fpsHandlers = append(c.fpsHandlers, h)
	c.mu.Unlock()
}

func (c *QualityController) Level() domain.QualityLevel {
	return domain.QualityLevel(c.level.Load())
}

func (c *QualityController) FramerateCap() int {
	return int(c.fpsCap.Load())
}

func (c *QualityController) Battery() domain.BatteryStatus {
	return c.battery.Status()
}

// SetVideoPaused suspends the bitrate criterion while the user has video off.
func (c *QualityController) SetVideoPaused(paused bool) {
	c.videoPaused.Store(paused)
}

func (c *QualityController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Start begins sampling src at the configured interval from level initial.
// It also starts the battery monitor.
func (c *QualityController) Start(ctx context.Context, src StatsSource, initial domain.QualityLevel) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	state := newControllerState(initial)
	c.level.Store(int32(state.level))
	c.fpsCap.Store(int32(c.profiles.Profile(state.level).MaxFPS))

	c.battery.Start(runCtx)
	unsubscribe := c.battery.Subscribe(c.onBattery)
	c.mu.Lock()
	c.unsubscribeBattery = unsubscribe
	c.mu.Unlock()

	c.logger.Infow("quality controller started",
		"level", state.level,
		"interval", c.cfg.Interval,
		"cooldown", c.cfg.Cooldown,
	)
	go c.run(runCtx, src, state, done)
}

// Stop halts the loop and waits for it to exit. It must not be called from a
// level or framerate handler.
func (c *QualityController) Stop() {
	c.mu.Lock()
	cancel, done, unsubscribe := c.cancel, c.done, c.unsubscribeBattery
	c.cancel, c.done, c.unsubscribeBattery = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if unsubscribe != nil {
		unsubscribe()
	}
	c.battery.Stop()
	c.logger.Infow("quality controller stopped", "level", c.Level())
}

func (c *QualityController) onBattery(status domain.BatteryStatus) {
	c.metrics.BatteryUpdated(status)
	if status.Critical {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *QualityController) run(ctx context.Context, src StatsSource, state *controllerState, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, src, state)
		case <-c.wake:
			c.tick(ctx, src, state)
		}
	}
}

// tick runs one control step. Nothing in here returns an error: a bad
// sample or a failed stats read only skips the step.
func (c *QualityController) tick(ctx context.Context, src StatsSource, st *controllerState) {
	now := c.clock.Now()
	battery := c.battery.Status()

	if battery.Critical && st.level != domain.WorstQuality {
		c.changeLevel(ctx, st, domain.WorstQuality, CauseBattery, now)
	}

	stats, err := src.Stats(ctx)
	if err != nil {
		c.logger.Debugw("skipping quality tick, stats unavailable", "error", err)
		// The next read starts a fresh baseline instead of spanning the gap.
		st.sampler.Reset()
		return
	}
	sample, ok := st.sampler.Next(stats)
	if !ok {
		return
	}
	st.samplesSinceChange++
	c.metrics.ObserveSample(sample)

	if battery.Critical {
		st.resetCounters()
		return
	}
	if !c.evaluate(ctx, st, sample, battery, now) {
		c.throttle(ctx, st, sample)
	}
}

// evaluate applies the hard brake or the gradual path, never both, and
// reports whether the level changed.
func (c *QualityController) evaluate(ctx context.Context, st *controllerState, sample domain.NetworkSample, battery domain.BatteryStatus, now time.Time) bool {
	if steps := c.quality.HardBrakeSteps(sample); steps > 0 {
		st.resetCounters()
		if st.level == domain.WorstQuality {
			return false
		}
		c.logger.Warnw("hard brake",
			"rtt", sample.RTT,
			"loss", sample.Loss(),
			"steps", steps,
		)
		c.changeLevel(ctx, st, (st.level - domain.QualityLevel(steps)).Clamp(), CauseHardBrake, now)
		return true
	}

	if !st.lastChange.IsZero() && now.Sub(st.lastChange) < c.cfg.Cooldown {
		st.resetCounters()
		return false
	}

	checkBitrate := st.samplesSinceChange > c.cfg.BitrateGraceSamples && !c.videoPaused.Load()
	if poor, reason := c.quality.ShouldDowngrade(st.level, sample, checkBitrate); poor {
		st.good = 0
		st.poor++
		c.logger.Debugw("poor sample", "reason", reason, "count", st.poor, "level", st.level)
		if st.poor >= c.cfg.PoorSamplesToDowngrade && st.level > domain.WorstQuality {
			c.changeLevel(ctx, st, st.level-1, CauseDowngrade+":"+reason, now)
			return true
		}
		return false
	}
	st.poor = 0

	if battery.AllowsUpgrade() && c.quality.ShouldUpgrade(st.level, sample) {
		st.good++
		if st.good >= c.cfg.GoodSamplesToUpgrade {
			c.changeLevel(ctx, st, st.level+1, CauseUpgrade, now)
			return true
		}
		return false
	}
	st.good = 0
	return false
}

func (c *QualityController) changeLevel(ctx context.Context, st *controllerState, to domain.QualityLevel, cause string, now time.Time) {
	from := st.level
	if to == from {
		return
	}
	st.level = to
	st.lastChange = now
	st.resetCounters()
	st.samplesSinceChange = 0
	st.fpsStep = 0
	st.calm = 0

	c.level.Store(int32(to))
	c.fpsCap.Store(int32(c.profiles.Profile(to).MaxFPS))
	c.metrics.QualityChanged(from, to, cause)
	c.logger.Infow("quality level changed",
		"from", from,
		"to", to,
		"cause", cause,
	)

	c.mu.Lock()
	handlers := append([]LevelChangeHandler(nil), c.levelHandlers...)
	c.mu.Unlock()

	change := LevelChange{From: from, To: to, Cause: cause, At: now}
	for _, h := range handlers {
		if err := h(ctx, change); err != nil {
			c.logger.Warnw("applying quality level failed", "to", to, "error", err)
		}
	}
}

// throttle caps the encoder framerate step by step while NACKs stay high and
// relaxes one step after a calm stretch. Resolution is left alone.
func (c *QualityController) throttle(ctx context.Context, st *controllerState, sample domain.NetworkSample) {
	profile := c.profiles.Profile(st.level)
	if !profile.HasVideo() {
		return
	}
	steps := c.cfg.FramerateSteps

	if sample.NACKDelta > c.cfg.ThrottleNACKDelta {
		st.calm = 0
		if st.fpsStep < len(steps)-1 {
			st.fpsStep++
			c.applyFramerate(ctx, st, profile)
		}
		return
	}

	st.calm++
	if st.fpsStep > 0 && st.calm >= c.cfg.RelaxAfterSamples {
		st.fpsStep--
		st.calm = 0
		c.applyFramerate(ctx, st, profile)
	}
}

func (c *QualityController) applyFramerate(ctx context.Context, st *controllerState, profile domain.QualityProfile) {
	fps := c.cfg.FramerateSteps[st.fpsStep]
	if profile.MaxFPS > 0 && profile.MaxFPS < fps {
		fps = profile.MaxFPS
	}
	if int32(fps) == c.fpsCap.Load() {
		return
	}
	c.fpsCap.Store(int32(fps))
	c.metrics.FramerateCapped(fps)
	c.logger.Infow("framerate cap changed", "fps", fps, "level", st.level)

	c.mu.Lock()
	handlers := append([]FramerateHandler(nil), c.fpsHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, fps); err != nil {
			c.logger.Warnw("applying framerate cap failed", "fps", fps, "error", err)
		}
	}
}
