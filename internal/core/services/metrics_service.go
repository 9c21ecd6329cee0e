package services

import (
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

const recentChangesLimit = 20

// LevelChangeEvent is one entry of the quality history.
type LevelChangeEvent struct {
	From      domain.QualityLevel `json:"from"`
	To        domain.QualityLevel `json:"to"`
	Cause     string              `json:"cause"`
	Timestamp time.Time           `json:"timestamp"`
}

// QualityReport is what the node knows about media quality right now.
type QualityReport struct {
	Level         domain.QualityLevel   `json:"level"`
	LevelName     string                `json:"level_name"`
	FramerateCap  int                   `json:"framerate_cap"`
	Battery       domain.BatteryStatus  `json:"battery"`
	LastSample    *domain.NetworkSample `json:"last_sample,omitempty"`
	RecentChanges []LevelChangeEvent    `json:"recent_changes"`
	HealthScore   float64               `json:"health_score"`

	CallsStarted    int            `json:"calls_started"`
	CallsEnded      map[string]int `json:"calls_ended"`
	CandidateCounts map[string]int `json:"candidates"`
	AverageSetup    time.Duration  `json:"average_setup"`
	Timestamp       time.Time      `json:"timestamp"`
}

// MetricsService keeps an in-process summary of the call metrics for the
// quality endpoint.
type MetricsService struct {
	mu sync.RWMutex

	level         domain.QualityLevel
	framerateCap  int
	battery       domain.BatteryStatus
	lastSample    *domain.NetworkSample
	recentChanges []LevelChangeEvent

	// Counters
	callsStarted int
	callsEnded   map[string]int
	candidates   map[string]int
	setupCount   int
	setupTotal   time.Duration

	clock TimeProvider
}

var _ ports.CallMetrics = (*MetricsService)(nil)

func NewMetricsService(clock TimeProvider) *MetricsService {
	if clock == nil {
		clock = SystemClock()
	}
	return &MetricsService{
		level:      domain.QualityMedium,
		callsEnded: make(map[string]int),
		candidates: make(map[string]int),
		clock:      clock,
	}
}

func (m *MetricsService) CallStarted(domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callsStarted++
	m.lastSample = nil
	m.recentChanges = nil
	m.framerateCap = 0
}

func (m *MetricsService) CallEnded(reason domain.EndReason, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callsEnded[string(reason)]++
}

func (m *MetricsService) SetupCompleted(_ domain.Role, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setupCount++
	m.setupTotal += elapsed
}

func (m *MetricsService) QualityChanged(from, to domain.QualityLevel, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = to
	m.recentChanges = append(m.recentChanges, LevelChangeEvent{
		From:      from,
		To:        to,
		Cause:     cause,
		Timestamp: m.clock.Now(),
	})
	if len(m.recentChanges) > recentChangesLimit {
		m.recentChanges = m.recentChanges[len(m.recentChanges)-recentChangesLimit:]
	}
}

func (m *MetricsService) ObserveSample(sample domain.NetworkSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSample = &sample
}

func (m *MetricsService) FramerateCapped(fps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framerateCap = fps
}

func (m *MetricsService) BatteryUpdated(status domain.BatteryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battery = status
}

func (m *MetricsService) CandidateHandled(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[result]++
}

func (m *MetricsService) Report() QualityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := QualityReport{
		Level:           m.level,
		LevelName:       m.level.String(),
		FramerateCap:    m.framerateCap,
		Battery:         m.battery,
		RecentChanges:   append([]LevelChangeEvent(nil), m.recentChanges...),
		CallsStarted:    m.callsStarted,
		CallsEnded:      make(map[string]int, len(m.callsEnded)),
		CandidateCounts: make(map[string]int, len(m.candidates)),
		Timestamp:       m.clock.Now(),
	}
	if m.lastSample != nil {
		sample := *m.lastSample
		report.LastSample = &sample
	}
	for k, v := range m.callsEnded {
		report.CallsEnded[k] = v
	}
	for k, v := range m.candidates {
		report.CandidateCounts[k] = v
	}
	if m.setupCount > 0 {
		report.AverageSetup = m.setupTotal / time.Duration(m.setupCount)
	}
	report.HealthScore = calculateHealthScore(m.lastSample)
	return report
}

// calculateHealthScore condenses the last sample into 0..100.
func calculateHealthScore(sample *domain.NetworkSample) float64 {
	if sample == nil {
		return 0
	}

	latencyScore := 0.0
	switch {
	case sample.RTT < 100*time.Millisecond:
		latencyScore = 40.0
	case sample.RTT < 300*time.Millisecond:
		latencyScore = 25.0
	case sample.RTT < 500*time.Millisecond:
		latencyScore = 10.0
	}

	lossScore := 40.0 - 4*sample.Loss()
	if lossScore < 0 {
		lossScore = 0
	}

	bitrateScore := sample.EffectiveOutboundKbps() / 50.0
	if bitrateScore > 20.0 {
		bitrateScore = 20.0
	}

	return latencyScore + lossScore + bitrateScore
}

type multiMetrics []ports.CallMetrics

// MultiMetrics fans every observation out to each sink.
func MultiMetrics(sinks ...ports.CallMetrics) ports.CallMetrics {
	return multiMetrics(sinks)
}

func (m multiMetrics) CallStarted(role domain.Role) {
	for _, s := range m {
		s.CallStarted(role)
	}
}

func (m multiMetrics) CallEnded(reason domain.EndReason, duration time.Duration) {
	for _, s := range m {
		s.CallEnded(reason, duration)
	}
}

func (m multiMetrics) SetupCompleted(role domain.Role, elapsed time.Duration) {
	for _, s := range m {
		s.SetupCompleted(role, elapsed)
	}
}

func (m multiMetrics) QualityChanged(from, to domain.QualityLevel, cause string) {
	for _, s := range m {
		s.QualityChanged(from, to, cause)
	}
}

func (m multiMetrics) ObserveSample(sample domain.NetworkSample) {
	for _, s := range m {
		s.ObserveSample(sample)
	}
}

func (m multiMetrics) FramerateCapped(fps int) {
	for _, s := range m {
		s.FramerateCapped(fps)
	}
}

func (m multiMetrics) BatteryUpdated(status domain.BatteryStatus) {
	for _, s := range m {
		s.BatteryUpdated(status)
	}
}

func (m multiMetrics) CandidateHandled(result string) {
	for _, s := range m {
		s.CandidateHandled(result)
	}
}
