package battery

import (
	"context"
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

// StaticSource reports a configured reading. Set pushes a new one to every
// watcher, which is how tests and demos simulate a draining battery.
type StaticSource struct {
	mu       sync.Mutex
	reading  domain.BatteryReading
	watchers map[chan domain.BatteryReading]struct{}
}

var _ ports.BatterySource = (*StaticSource)(nil)

func NewStaticSource(level float64, charging bool) *StaticSource {
	return &StaticSource{
		reading:  domain.BatteryReading{Level: level, Charging: charging},
		watchers: make(map[chan domain.BatteryReading]struct{}),
	}
}

func (s *StaticSource) Read(context.Context) (domain.BatteryReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading, nil
}

func (s *StaticSource) Watch(ctx context.Context) (<-chan domain.BatteryReading, error) {
	ch := make(chan domain.BatteryReading, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *StaticSource) Set(reading domain.BatteryReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = reading
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- reading
	}
}
