package ports

import (
	"context"

	"duocall/internal/core/domain"
)

// PeerTransport is one peer connection. Mutating calls are serialized by
// the implementation.
type PeerTransport interface {
	AddTracks(capture MediaCapture) error
	HasOutboundTracks() (audio, video bool)
	ReplaceTrack(track MediaTrack) error

	LocalCodecs(kind domain.MediaKind) []domain.CodecDescriptor
	SetCodecPreferences(kind domain.MediaKind, codecs []domain.CodecDescriptor) error
	SetEncodingParameters(kind domain.MediaKind, params domain.EncodingParameters) error

	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(candidate domain.Candidate) error

	OnICECandidate(handler func(domain.Candidate))
	OnConnectionStateChange(handler func(domain.ConnectionState))

	Stats(ctx context.Context) (domain.TransportStats, error)
	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context) (PeerTransport, error)
}
