package domain

import "time"

// TransportStats is a cumulative counter snapshot read from the transport.
type TransportStats struct {
	Timestamp time.Time

	BytesSent       uint64
	PacketsSent     uint64
	BytesReceived   uint64
	PacketsReceived uint64

	// Reported by the remote side in receiver reports.
	RemotePacketsLost int64
	// Fraction lost in the latest receiver report, 0..1. Negative when absent.
	RemoteFractionLost float64
	PacketsLost        int64

	RoundTripTime time.Duration
	Jitter        time.Duration
	NACKCount     uint64
	PLICount      uint64

	// Congestion controller estimate, 0 when unavailable.
	AvailableOutboundBitrate int
}

// NetworkSample is the delta between two consecutive snapshots.
type NetworkSample struct {
	Timestamp     time.Time
	Interval      time.Duration
	OutboundKbps  float64
	InboundKbps   float64
	OutboundLoss  float64 // percent
	InboundLoss   float64 // percent
	RTT           time.Duration
	Jitter        time.Duration
	NACKDelta     uint64
	AvailableKbps float64
}

// Loss is the worse of the two directions.
func (s NetworkSample) Loss() float64 {
	if s.InboundLoss > s.OutboundLoss {
		return s.InboundLoss
	}
	return s.OutboundLoss
}

// EffectiveOutboundKbps is the best evidence of what the uplink can carry.
func (s NetworkSample) EffectiveOutboundKbps() float64 {
	if s.AvailableKbps > s.OutboundKbps {
		return s.AvailableKbps
	}
	return s.OutboundKbps
}

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Terminal reports whether the connection can no longer carry media.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

type NetworkType string

const (
	NetworkUnknown  NetworkType = "unknown"
	NetworkEthernet NetworkType = "ethernet"
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
)

type EffectiveType string

const (
	EffectiveSlow2G EffectiveType = "slow-2g"
	Effective2G     EffectiveType = "2g"
	Effective3G     EffectiveType = "3g"
	Effective4G     EffectiveType = "4g"
)

// NetworkHint is what the platform reports about the link before a call.
type NetworkHint struct {
	Type          NetworkType   `yaml:"type" json:"type"`
	EffectiveType EffectiveType `yaml:"effective_type" json:"effective_type"`
	DownlinkMbps  float64       `yaml:"downlink_mbps" json:"downlink_mbps"`
	SaveData      bool          `yaml:"save_data" json:"save_data"`
}
