package domain

import (
	"fmt"
	"strings"
)

// QualityLevel is ordered worst to best.
type QualityLevel int

const (
	QualityAudioOnly QualityLevel = iota
	QualityLow
	QualityMedium
	QualityHigh
	QualityHD

	WorstQuality = QualityAudioOnly
	BestQuality  = QualityHD
)

var qualityNames = [...]string{"audio_only", "low", "medium", "high", "hd"}

func (q QualityLevel) String() string {
	if q.Valid() {
		return qualityNames[q]
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

func (q QualityLevel) Valid() bool {
	return q >= WorstQuality && q <= BestQuality
}

// TopTier reports whether q is the best level of the ladder.
func (q QualityLevel) TopTier() bool {
	return q == BestQuality
}

// Clamp bounds q to the ladder.
func (q QualityLevel) Clamp() QualityLevel {
	if q < WorstQuality {
		return WorstQuality
	}
	if q > BestQuality {
		return BestQuality
	}
	return q
}

func ParseQualityLevel(s string) (QualityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range qualityNames {
		if name == s {
			return QualityLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quality level %q", s)
}

func (q QualityLevel) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *QualityLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseQualityLevel(string(b))
	if err != nil {
		return err
	}
	*q = lvl
	return nil
}

type QualityProfile struct {
	Width     int `yaml:"width" json:"width"`
	Height    int `yaml:"height" json:"height"`
	TargetFPS int `yaml:"target_fps" json:"target_fps"`
	MaxFPS    int `yaml:"max_fps" json:"max_fps"`
	VideoKbps int `yaml:"video_kbps" json:"video_kbps"`
	AudioKbps int `yaml:"audio_kbps" json:"audio_kbps"`
}

func (p QualityProfile) HasVideo() bool {
	return p.Width > 0 && p.Height > 0 && p.VideoKbps > 0
}

// TotalKbps is the outbound budget of the profile.
func (p QualityProfile) TotalKbps() int {
	return p.VideoKbps + p.AudioKbps
}

// ProfileTable maps every level to its profile.
type ProfileTable map[QualityLevel]QualityProfile

func DefaultProfileTable() ProfileTable {
	return ProfileTable{
		QualityAudioOnly: {AudioKbps: 16},
		QualityLow:       {Width: 320, Height: 180, TargetFPS: 15, MaxFPS: 15, VideoKbps: 150, AudioKbps: 24},
		QualityMedium:    {Width: 640, Height: 360, TargetFPS: 24, MaxFPS: 30, VideoKbps: 500, AudioKbps: 32},
		QualityHigh:      {Width: 1280, Height: 720, TargetFPS: 30, MaxFPS: 30, VideoKbps: 1200, AudioKbps: 48},
		QualityHD:        {Width: 1920, Height: 1080, TargetFPS: 30, MaxFPS: 30, VideoKbps: 2500, AudioKbps: 64},
	}
}

// Validate checks the table is total and strictly increasing in resolution
// and bitrate from one level to the next.
func (t ProfileTable) Validate() error {
	for lvl := WorstQuality; lvl <= BestQuality; lvl++ {
		p, ok := t[lvl]
		if !ok {
			return fmt.Errorf("%w: missing profile for %s", ErrInvalidProfileTable, lvl)
		}
		if p.AudioKbps <= 0 {
			return fmt.Errorf("%w: %s has no audio bitrate", ErrInvalidProfileTable, lvl)
		}
		if p.TargetFPS > p.MaxFPS {
			return fmt.Errorf("%w: %s target fps above max fps", ErrInvalidProfileTable, lvl)
		}
		if lvl == WorstQuality {
			continue
		}
		prev := t[lvl-1]
		if p.Width <= prev.Width || p.Height <= prev.Height {
			return fmt.Errorf("%w: %s resolution not above %s", ErrInvalidProfileTable, lvl, lvl-1)
		}
		if p.VideoKbps <= prev.VideoKbps || p.AudioKbps <= prev.AudioKbps {
			return fmt.Errorf("%w: %s bitrate not above %s", ErrInvalidProfileTable, lvl, lvl-1)
		}
	}
	return nil
}

// Profile returns the profile for lvl clamped to the ladder.
func (t ProfileTable) Profile(lvl QualityLevel) QualityProfile {
	return t[lvl.Clamp()]
}
