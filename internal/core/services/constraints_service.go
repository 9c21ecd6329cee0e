package services

import (
	"fmt"

	"duocall/internal/core/domain"
)

const (
	audioSampleRate   = 48000
	audioChannelCount = 1
	hdDownlinkMbps    = 10.0
)

// MediaConstraintResolver turns quality levels into capture constraints.
type MediaConstraintResolver struct {
	profiles domain.ProfileTable
}

func NewMediaConstraintResolver(profiles domain.ProfileTable) (*MediaConstraintResolver, error) {
	if err := profiles.Validate(); err != nil {
		return nil, fmt.Errorf("constraint resolver: %w", err)
	}
	return &MediaConstraintResolver{profiles: profiles}, nil
}

func (r *MediaConstraintResolver) Profiles() domain.ProfileTable {
	return r.profiles
}

func (r *MediaConstraintResolver) Profile(level domain.QualityLevel) domain.QualityProfile {
	return r.profiles.Profile(level)
}

func (r *MediaConstraintResolver) Constraints(level domain.QualityLevel) domain.MediaConstraints {
	level = level.Clamp()
	p := r.profiles.Profile(level)
	return domain.MediaConstraints{
		Level: level,
		Audio: domain.AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       audioSampleRate,
			ChannelCount:     audioChannelCount,
			BitrateKbps:      p.AudioKbps,
		},
		Video: domain.VideoConstraints{
			Enabled:      p.HasVideo(),
			Width:        p.Width,
			Height:       p.Height,
			FrameRate:    p.TargetFPS,
			MaxFrameRate: p.MaxFPS,
			BitrateKbps:  p.VideoKbps,
		},
	}
}

// InitialLevel picks a starting level from what the platform reports about
// the link. HD has to be earned through upgrades unless the link is a fast
// fixed connection.
func (r *MediaConstraintResolver) InitialLevel(hint domain.NetworkHint) domain.QualityLevel {
	fixed := hint.Type == domain.NetworkWiFi || hint.Type == domain.NetworkEthernet

	var level domain.QualityLevel
	switch hint.EffectiveType {
	case domain.EffectiveSlow2G:
		level = domain.QualityAudioOnly
	case domain.Effective2G:
		level = domain.QualityLow
	case domain.Effective3G:
		level = domain.QualityMedium
	case domain.Effective4G:
		level = domain.QualityHigh
	default:
		if fixed {
			level = domain.QualityHigh
		} else {
			level = domain.QualityMedium
		}
	}

	if fixed && level == domain.QualityHigh && hint.DownlinkMbps >= hdDownlinkMbps {
		level = domain.QualityHD
	}
	if hint.SaveData && level > domain.QualityLow {
		level = domain.QualityLow
	}
	return level
}
