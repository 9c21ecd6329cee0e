package services

import (
	"fmt"
	"strings"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/sdp/v3"
)

// verifyLocalTracks fails unless the transport sends both audio and video.
func verifyLocalTracks(transport ports.PeerTransport) error {
	audio, video := transport.HasOutboundTracks()
	if !audio || !video {
		return fmt.Errorf("%w (audio=%t video=%t)", domain.ErrMissingLocalTracks, audio, video)
	}
	return nil
}

// verifyDescriptionMedia fails unless desc has both an audio and a video
// media section.
func verifyDescriptionMedia(desc domain.SessionDescription) error {
	audio, video := describedMedia(desc.SDP)
	if !audio || !video {
		return fmt.Errorf("%w: %s (audio=%t video=%t)", domain.ErrMissingMediaInDescription, desc.Type, audio, video)
	}
	return nil
}

func describedMedia(raw string) (audio, video bool) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return strings.Contains(raw, "m=audio"), strings.Contains(raw, "m=video")
	}
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case string(domain.MediaKindAudio):
			audio = true
		case string(domain.MediaKindVideo):
			video = true
		}
	}
	return audio, video
}
