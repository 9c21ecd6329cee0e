package ports

import (
	"context"

	"duocall/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Live is false once the track has been stopped.
	Live() bool
	// Muted is true while the track produces no media.
	Muted() bool
	Local() webrtc.TrackLocal
}

type MediaCapture interface {
	AudioTrack() MediaTrack
	VideoTrack() MediaTrack
	Constraints() domain.MediaConstraints
	// ApplyConstraints reconfigures the capture. Tracks that had to be
	// recreated are returned and must be swapped on the transport.
	ApplyConstraints(ctx context.Context, constraints domain.MediaConstraints) ([]MediaTrack, error)
	Stop()
}

type MediaSource interface {
	Open(ctx context.Context, constraints domain.MediaConstraints) (MediaCapture, error)
}

// EncodingTunable is implemented by tracks that honor sender caps.
type EncodingTunable interface {
	SetEncodingParameters(params domain.EncodingParameters)
}

// KeyframeRequester is implemented by video tracks that can emit a keyframe on demand.
type KeyframeRequester interface {
	RequestKeyframe()
}

// RemoteMediaSink receives media from the remote participant.
type RemoteMediaSink interface {
	WriteRTP(kind domain.MediaKind, mimeType string, packet *rtp.Packet) error
}
