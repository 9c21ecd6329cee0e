package media

import (
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// InboundStats is a snapshot of what the remote participant delivered.
type InboundStats struct {
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	Lost     uint64 `json:"lost"`
	MimeType string `json:"mime_type,omitempty"`
}

type inboundStream struct {
	InboundStats
	ssrc    uint32
	lastSeq uint16
	started bool
}

// InboundMonitor is a RemoteMediaSink that tracks packet counts and
// sequence gaps per media kind. Embedding applications that play media
// back wrap it with their own sink via Then.
type InboundMonitor struct {
	logger *zap.SugaredLogger
	next   ports.RemoteMediaSink

	mu      sync.Mutex
	streams map[domain.MediaKind]*inboundStream
}

var _ ports.RemoteMediaSink = (*InboundMonitor)(nil)

func NewInboundMonitor(logger *zap.SugaredLogger) *InboundMonitor {
	return &InboundMonitor{
		logger:  logger,
		streams: make(map[domain.MediaKind]*inboundStream),
	}
}

// Then forwards every packet to next after it has been counted.
func (m *InboundMonitor) Then(next ports.RemoteMediaSink) *InboundMonitor {
	m.next = next
	return m
}

func (m *InboundMonitor) WriteRTP(kind domain.MediaKind, mimeType string, packet *rtp.Packet) error {
	m.mu.Lock()
	s, ok := m.streams[kind]
	if !ok || s.ssrc != packet.SSRC {
		if ok {
			m.logger.Debugw("remote stream restarted", "kind", kind, "ssrc", packet.SSRC)
		}
		s = &inboundStream{ssrc: packet.SSRC}
		m.streams[kind] = s
	}
	s.MimeType = mimeType
	s.Packets++
	s.Bytes += uint64(len(packet.Payload))
	if s.started {
		// uint16 arithmetic handles wrap-around; reordered packets are not gaps.
		if gap := packet.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.Lost += uint64(gap - 1)
		}
	}
	if !s.started || int16(packet.SequenceNumber-s.lastSeq) > 0 {
		s.lastSeq = packet.SequenceNumber
	}
	s.started = true
	next := m.next
	m.mu.Unlock()

	if next != nil {
		return next.WriteRTP(kind, mimeType, packet)
	}
	return nil
}

// Stats returns the counters of the current stream of kind.
func (m *InboundMonitor) Stats(kind domain.MediaKind) InboundStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[kind]; ok {
		return s.InboundStats
	}
	return InboundStats{}
}

// Reset forgets all streams. The transport factory calls it for every new call.
func (m *InboundMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[domain.MediaKind]*inboundStream)
}
