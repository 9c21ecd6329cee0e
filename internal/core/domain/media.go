package domain

type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
	ChannelCount     int  `json:"channel_count"`
	BitrateKbps      int  `json:"bitrate_kbps"`
}

type VideoConstraints struct {
	Enabled      bool `json:"enabled"`
	Width        int  `json:"width"`
	Height       int  `json:"height"`
	FrameRate    int  `json:"frame_rate"`
	MaxFrameRate int  `json:"max_frame_rate"`
	BitrateKbps  int  `json:"bitrate_kbps"`
}

// MediaConstraints is what the local media source is asked to capture.
type MediaConstraints struct {
	Level QualityLevel     `json:"level"`
	Audio AudioConstraints `json:"audio"`
	Video VideoConstraints `json:"video"`
}

// EncodingParameters caps what a sender may emit. Zero means no cap.
type EncodingParameters struct {
	MaxBitrateBps int  `json:"max_bitrate_bps"`
	MaxFramerate  int  `json:"max_framerate"`
	Active        bool `json:"active"`
}
