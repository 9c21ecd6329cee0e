package webrtc

import (
	"time"

	"duocall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// collectStats folds a pion stats report into one cumulative snapshot summed
// over all RTP streams. RTT prefers receiver reports over the ICE pair.
func collectStats(report webrtc.StatsReport) domain.TransportStats {
	out := domain.TransportStats{
		Timestamp:          time.Now(),
		RemoteFractionLost: -1,
	}

	var pairRTT time.Duration
	var pairBitrate float64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			out.BytesSent += st.BytesSent
			out.PacketsSent += uint64(st.PacketsSent)
		case webrtc.InboundRTPStreamStats:
			out.BytesReceived += st.BytesReceived
			out.PacketsReceived += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
			if j := seconds(st.Jitter); j > out.Jitter {
				out.Jitter = j
			}
		case webrtc.RemoteInboundRTPStreamStats:
			out.RemotePacketsLost += int64(st.PacketsLost)
			if rtt := seconds(st.RoundTripTime); rtt > out.RoundTripTime {
				out.RoundTripTime = rtt
			}
			if st.FractionLost > out.RemoteFractionLost {
				out.RemoteFractionLost = st.FractionLost
			}
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			pairRTT = seconds(st.CurrentRoundTripTime)
			pairBitrate = st.AvailableOutgoingBitrate
		}
	}

	if out.RoundTripTime == 0 {
		out.RoundTripTime = pairRTT
	}
	if pairBitrate > 0 {
		out.AvailableOutboundBitrate = int(pairBitrate)
	}
	return out
}
