package services

import (
	"time"

	"duocall/internal/core/domain"
)

// QualityThresholds are the tunable limits used to judge a sample.
type QualityThresholds struct {
	HardBrakeRTT  time.Duration
	HardBrakeLoss float64 // percent
	// A sample this many times past a hard-brake limit drops two levels.
	SevereFactor float64

	PoorBitrateRatio float64
	PoorLoss         float64
	PoorRTT          time.Duration
	PoorNACKDelta    uint64

	UpgradeBitrateRatio float64
	GoodLoss            float64
	GoodRTT             time.Duration
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		HardBrakeRTT:        400 * time.Millisecond,
		HardBrakeLoss:       10,
		SevereFactor:        2,
		PoorBitrateRatio:    0.8,
		PoorLoss:            3,
		PoorRTT:             300 * time.Millisecond,
		PoorNACKDelta:       40,
		UpgradeBitrateRatio: 0.95,
		GoodLoss:            1,
		GoodRTT:             150 * time.Millisecond,
	}
}

type QualityService struct {
	thresholds QualityThresholds
	profiles   domain.ProfileTable
}

func NewQualityService(thresholds QualityThresholds, profiles domain.ProfileTable) *QualityService {
	return &QualityService{thresholds: thresholds, profiles: profiles}
}

// GetThresholds returns the thresholds in use.
func (qs *QualityService) GetThresholds() QualityThresholds {
	return qs.thresholds
}

// HardBrakeSteps returns how many levels to drop at once, or 0 when the
// sample does not call for an emergency drop.
func (qs *QualityService) HardBrakeSteps(sample domain.NetworkSample) int {
	t := qs.thresholds
	loss := sample.Loss()
	if sample.RTT <= t.HardBrakeRTT && loss <= t.HardBrakeLoss {
		return 0
	}
	if t.SevereFactor > 1 &&
		(float64(sample.RTT) > float64(t.HardBrakeRTT)*t.SevereFactor || loss > t.HardBrakeLoss*t.SevereFactor) {
		return 2
	}
	return 1
}

// ShouldDowngrade reports a poor sample and the first reason found.
// checkBitrate is false while the sender is still ramping up or video is paused.
func (qs *QualityService) ShouldDowngrade(level domain.QualityLevel, sample domain.NetworkSample, checkBitrate bool) (bool, string) {
	t := qs.thresholds
	target := float64(qs.profiles.Profile(level).TotalKbps())
	switch {
	case checkBitrate && sample.OutboundKbps < target*t.PoorBitrateRatio:
		return true, "bitrate"
	case sample.Loss() > t.PoorLoss:
		return true, "loss"
	case sample.RTT > t.PoorRTT:
		return true, "rtt"
	case t.PoorNACKDelta > 0 && sample.NACKDelta > t.PoorNACKDelta:
		return true, "nack"
	}
	return false, ""
}

// ShouldUpgrade reports whether the sample could carry the next level up.
func (qs *QualityService) ShouldUpgrade(level domain.QualityLevel, sample domain.NetworkSample) bool {
	if level >= domain.BestQuality {
		return false
	}
	t := qs.thresholds
	next := float64(qs.profiles.Profile(level + 1).TotalKbps())
	return sample.EffectiveOutboundKbps() >= next*t.UpgradeBitrateRatio &&
		sample.Loss() < t.GoodLoss &&
		sample.RTT < t.GoodRTT
}
