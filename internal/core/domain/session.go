package domain

import "time"

// SessionInfo is a point-in-time view of the local side of a call.
type SessionInfo struct {
	CallID          CallID          `json:"call_id"`
	Role            Role            `json:"role"`
	Peer            UserID          `json:"peer"`
	Status          CallStatus      `json:"status"`
	ConnectionState ConnectionState `json:"connection_state"`
	Level           QualityLevel    `json:"level"`
	FramerateCap    int             `json:"framerate_cap"`
	Battery         BatteryStatus   `json:"battery"`
	AudioEnabled    bool            `json:"audio_enabled"`
	VideoEnabled    bool            `json:"video_enabled"`
	StartedAt       time.Time       `json:"started_at"`
	EndReason       EndReason       `json:"end_reason,omitempty"`
}
