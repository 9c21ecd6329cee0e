package services

import (
	"context"
	"math"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

const batteryLevelStep = 0.05

// BatteryMonitor publishes battery status changes. Without a source it
// reports an unknown status that never restricts quality.
type BatteryMonitor struct {
	source   ports.BatterySource
	interval time.Duration
	clock    TimeProvider
	logger   *zap.SugaredLogger

	mu           sync.RWMutex
	status       domain.BatteryStatus
	lastNotified domain.BatteryStatus
	subscribers  map[uint64]func(domain.BatteryStatus)
	nextSubID    uint64
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewBatteryMonitor(source ports.BatterySource, interval time.Duration, clock TimeProvider, logger *zap.SugaredLogger) *BatteryMonitor {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	now := clock.Now()
	return &BatteryMonitor{
		source:       source,
		interval:     interval,
		clock:        clock,
		logger:       logger,
		status:       domain.UnknownBatteryStatus(now),
		lastNotified: domain.UnknownBatteryStatus(now),
		subscribers:  make(map[uint64]func(domain.BatteryStatus)),
	}
}

// Start reads the source once and keeps following it until Stop. Calling
// Start on a running monitor does nothing.
func (m *BatteryMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if m.source == nil {
		m.logger.Infow("no battery source, assuming healthy battery")
		close(done)
		return
	}

	if reading, err := m.source.Read(runCtx); err != nil {
		m.logger.Warnw("battery source unavailable, assuming healthy battery", "error", err)
	} else {
		m.update(reading)
	}

	watch, err := m.source.Watch(runCtx)
	if err != nil {
		m.logger.Debugw("battery source does not push changes", "error", err)
		watch = nil
	}

	go m.run(runCtx, watch, done)
}

func (m *BatteryMonitor) run(ctx context.Context, watch <-chan domain.BatteryReading, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			m.update(reading)
		case <-ticker.C:
			reading, err := m.source.Read(ctx)
			if err != nil {
				m.logger.Debugw("battery poll failed", "error", err)
				continue
			}
			m.update(reading)
		}
	}
}

// Stop halts polling and waits for the loop to exit. Subscriptions survive.
func (m *BatteryMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns the latest status.
func (m *BatteryMonitor) Status() domain.BatteryStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers fn for meaningful changes. The returned func removes it.
func (m *BatteryMonitor) Subscribe(fn func(domain.BatteryStatus)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *BatteryMonitor) update(reading domain.BatteryReading) {
	next := domain.NewBatteryStatus(reading, m.clock.Now())

	m.mu.Lock()
	m.status = next
	if !meaningfulBatteryChange(m.lastNotified, next) {
		m.mu.Unlock()
		return
	}
	m.lastNotified = next
	subs := make([]func(domain.BatteryStatus), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Infow("battery status changed",
		"level", next.Level,
		"charging", next.Charging,
		"class", next.Class(),
	)
	for _, fn := range subs {
		fn(next)
	}
}

func meaningfulBatteryChange(prev, next domain.BatteryStatus) bool {
	return prev.Known != next.Known ||
		prev.Charging != next.Charging ||
		prev.Low != next.Low ||
		prev.Critical != next.Critical ||
		math.Abs(prev.Level-next.Level) >= batteryLevelStep-1e-9
}
