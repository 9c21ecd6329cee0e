package domain

import "time"

const (
	BatteryLowThreshold      = 0.20
	BatteryCriticalThreshold = 0.10
)

// BatteryReading is a raw sample from a battery source.
type BatteryReading struct {
	Level    float64 // 0..1
	Charging bool
}

type BatteryClass string

const (
	BatteryNormal   BatteryClass = "normal"
	BatteryLow      BatteryClass = "low"
	BatteryCritical BatteryClass = "critical"
)

type BatteryStatus struct {
	Level     float64   `json:"level"`
	Charging  bool      `json:"charging"`
	Low       bool      `json:"low"`
	Critical  bool      `json:"critical"`
	Known     bool      `json:"known"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBatteryStatus derives low/critical flags; they stay false while charging.
func NewBatteryStatus(r BatteryReading, now time.Time) BatteryStatus {
	level := r.Level
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	s := BatteryStatus{Level: level, Charging: r.Charging, Known: true, UpdatedAt: now}
	if !r.Charging {
		s.Low = level < BatteryLowThreshold
		s.Critical = level < BatteryCriticalThreshold
	}
	return s
}

// UnknownBatteryStatus is reported when no battery source exists.
func UnknownBatteryStatus(now time.Time) BatteryStatus {
	return BatteryStatus{Level: 1, Charging: true, UpdatedAt: now}
}

func (s BatteryStatus) Class() BatteryClass {
	switch {
	case s.Critical:
		return BatteryCritical
	case s.Low:
		return BatteryLow
	}
	return BatteryNormal
}

// AllowsUpgrade is false while the battery is low and discharging.
func (s BatteryStatus) AllowsUpgrade() bool {
	return !s.Low && !s.Critical
}
