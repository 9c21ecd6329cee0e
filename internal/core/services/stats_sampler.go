package services

import (
	"time"

	"duocall/internal/core/domain"
)

// NetworkSampler turns cumulative transport counters into per-interval samples.
type NetworkSampler struct {
	prev *domain.TransportStats
}

func (s *NetworkSampler) Reset() {
	s.prev = nil
}

// Next returns the sample between the previous snapshot and cur. The first
// call only records a baseline and returns false.
func (s *NetworkSampler) Next(cur domain.TransportStats) (domain.NetworkSample, bool) {
	prev := s.prev
	s.prev = &cur
	if prev == nil {
		return domain.NetworkSample{}, false
	}
	interval := cur.Timestamp.Sub(prev.Timestamp)
	if interval <= 0 {
		return domain.NetworkSample{}, false
	}

	sample := domain.NetworkSample{
		Timestamp:     cur.Timestamp,
		Interval:      interval,
		OutboundKbps:  kbps(delta(cur.BytesSent, prev.BytesSent), interval),
		InboundKbps:   kbps(delta(cur.BytesReceived, prev.BytesReceived), interval),
		RTT:           cur.RoundTripTime,
		Jitter:        cur.Jitter,
		NACKDelta:     delta(cur.NACKCount, prev.NACKCount),
		AvailableKbps: float64(cur.AvailableOutboundBitrate) / 1000,
	}

	if cur.RemoteFractionLost >= 0 {
		sample.OutboundLoss = cur.RemoteFractionLost * 100
	} else {
		sent := delta(cur.PacketsSent, prev.PacketsSent)
		lost := signedDelta(cur.RemotePacketsLost, prev.RemotePacketsLost)
		sample.OutboundLoss = lossPercent(lost, sent)
	}
	received := delta(cur.PacketsReceived, prev.PacketsReceived)
	lost := signedDelta(cur.PacketsLost, prev.PacketsLost)
	sample.InboundLoss = lossPercent(lost, received+lost)

	return sample, true
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func signedDelta(cur, prev int64) uint64 {
	if cur < prev {
		return 0
	}
	return uint64(cur - prev)
}

func kbps(bytes uint64, interval time.Duration) float64 {
	return float64(bytes) * 8 / interval.Seconds() / 1000
}

func lossPercent(lost, total uint64) float64 {
	if total == 0 || lost == 0 {
		return 0
	}
	if lost > total {
		return 100
	}
	return float64(lost) / float64(total) * 100
}
