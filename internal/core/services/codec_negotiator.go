package services

import (
	"regexp"
	"strings"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

var (
	mobilePlatform = regexp.MustCompile(`android|iphone|ipad|ipod|mobile`)
	// Coarse match for recent flagship phones with hardware AV1 decode.
	highEndMobile = []*regexp.Regexp{
		regexp.MustCompile(`iphone os (1[7-9]|[2-9]\d)_`),
		regexp.MustCompile(`pixel ([8-9]|\d{2})`),
		regexp.MustCompile(`sm-s9[2-9]\d`),
		regexp.MustCompile(`sm-f9[4-9]\d`),
	}
	desktopPlatform = regexp.MustCompile(`windows|macintosh|mac os x|x11|linux|cros`)
)

// DeviceSupportsAV1 judges from a platform string whether AV1 encoding is
// affordable on the device.
func DeviceSupportsAV1(platform string) bool {
	p := strings.ToLower(platform)
	if p == "" {
		return false
	}
	if mobilePlatform.MatchString(p) {
		for _, re := range highEndMobile {
			if re.MatchString(p) {
				return true
			}
		}
		return false
	}
	return desktopPlatform.MatchString(p)
}

// CodecNegotiator orders outgoing video codecs best compression first.
type CodecNegotiator struct {
	device domain.DeviceInfo
	logger *zap.SugaredLogger
}

func NewCodecNegotiator(device domain.DeviceInfo, logger *zap.SugaredLogger) *CodecNegotiator {
	return &CodecNegotiator{device: device, logger: logger}
}

// AllowAV1 requires the top tier, local AV1 support and a capable device.
func (n *CodecNegotiator) AllowAV1(level domain.QualityLevel, codecs []domain.CodecDescriptor) bool {
	if !level.TopTier() {
		return false
	}
	supported := false
	for _, c := range codecs {
		if c.Family() == domain.CodecFamilyAV1 {
			supported = true
			break
		}
	}
	return supported && DeviceSupportsAV1(n.device.Platform)
}

// Order returns AV1 (when allowed), VP9, H.264, then everything else, keeping
// the original relative order inside each group. AV1 is left out entirely
// when not allowed.
func (n *CodecNegotiator) Order(codecs []domain.CodecDescriptor, allowAV1 bool) []domain.CodecDescriptor {
	groups := map[domain.CodecFamily][]domain.CodecDescriptor{}
	for _, c := range codecs {
		f := c.Family()
		groups[f] = append(groups[f], c)
	}

	ordered := make([]domain.CodecDescriptor, 0, len(codecs))
	if allowAV1 {
		ordered = append(ordered, groups[domain.CodecFamilyAV1]...)
	}
	ordered = append(ordered, groups[domain.CodecFamilyVP9]...)
	ordered = append(ordered, groups[domain.CodecFamilyH264]...)
	ordered = append(ordered, groups[domain.CodecFamilyOther]...)
	return ordered
}

// Apply sets the preference order on the transport's video sender. Without
// a video sender there is nothing to order and Apply does nothing.
func (n *CodecNegotiator) Apply(transport ports.PeerTransport, level domain.QualityLevel) error {
	if transport == nil {
		return nil
	}
	if _, video := transport.HasOutboundTracks(); !video {
		return nil
	}

	local := transport.LocalCodecs(domain.MediaKindVideo)
	if len(local) == 0 {
		return nil
	}
	allow := n.AllowAV1(level, local)
	ordered := n.Order(local, allow)

	n.logger.Debugw("applying video codec preferences",
		"level", level,
		"av1", allow,
		"first", ordered[0].MimeType,
		"count", len(ordered),
	)
	return transport.SetCodecPreferences(domain.MediaKindVideo, ordered)
}
