package domain

import "strings"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

const (
	MimeTypeAV1  = "video/AV1"
	MimeTypeVP9  = "video/VP9"
	MimeTypeVP8  = "video/VP8"
	MimeTypeH264 = "video/H264"
	MimeTypeOpus = "audio/opus"
)

type CodecFamily string

const (
	CodecFamilyAV1   CodecFamily = "av1"
	CodecFamilyVP9   CodecFamily = "vp9"
	CodecFamilyH264  CodecFamily = "h264"
	CodecFamilyOther CodecFamily = "other"
)

// CodecDescriptor describes one codec registered on a transport.
type CodecDescriptor struct {
	MimeType    string `json:"mime_type"`
	ClockRate   uint32 `json:"clock_rate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdp_fmtp_line,omitempty"`
	PayloadType uint8  `json:"payload_type"`
}

func (c CodecDescriptor) Family() CodecFamily {
	switch {
	case strings.EqualFold(c.MimeType, MimeTypeAV1):
		return CodecFamilyAV1
	case strings.EqualFold(c.MimeType, MimeTypeVP9):
		return CodecFamilyVP9
	case strings.EqualFold(c.MimeType, MimeTypeH264):
		return CodecFamilyH264
	}
	return CodecFamilyOther
}

// DeviceInfo carries the coarse platform string used by capability heuristics.
type DeviceInfo struct {
	Platform string `yaml:"platform" json:"platform"`
}
