package services

import (
	"fmt"
	"strconv"
	"strings"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"
)

const (
	fmtpInbandFEC  = "useinbandfec"
	fmtpDTX        = "usedtx"
	fmtpMaxAvgRate = "maxaveragebitrate"
)

// AudioTuner enables Opus FEC/DTX in descriptions and caps the audio sender
// at the level's bitrate.
type AudioTuner struct {
	profiles domain.ProfileTable
	logger   *zap.SugaredLogger
}

func NewAudioTuner(profiles domain.ProfileTable, logger *zap.SugaredLogger) *AudioTuner {
	return &AudioTuner{profiles: profiles, logger: logger}
}

func (t *AudioTuner) fmtpParams(level domain.QualityLevel) [][2]string {
	kbps := t.profiles.Profile(level).AudioKbps
	return [][2]string{
		{fmtpInbandFEC, "1"},
		{fmtpDTX, "1"},
		{fmtpMaxAvgRate, strconv.Itoa(kbps * 1000)},
	}
}

// TuneDescription rewrites the fmtp line of every Opus payload type in the
// audio sections, adding the line when missing.
func (t *AudioTuner) TuneDescription(desc domain.SessionDescription, level domain.QualityLevel) (domain.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("parse %s: %w", desc.Type, err)
	}

	params := t.fmtpParams(level)
	tuned := 0
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != string(domain.MediaKindAudio) {
			continue
		}
		for _, pt := range opusPayloadTypes(md) {
			found := false
			for i, attr := range md.Attributes {
				if attr.Key != "fmtp" {
					continue
				}
				attrPT, existing, _ := strings.Cut(attr.Value, " ")
				if attrPT != pt {
					continue
				}
				md.Attributes[i].Value = pt + " " + MergeFmtp(existing, params)
				found = true
			}
			if !found {
				md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", pt+" "+MergeFmtp("", params)))
			}
			tuned++
		}
	}

	if tuned == 0 {
		return desc, nil
	}
	out, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("marshal %s: %w", desc.Type, err)
	}
	return domain.SessionDescription{Type: desc.Type, SDP: string(out)}, nil
}

// Apply caps the audio sender at the level's target bitrate.
func (t *AudioTuner) Apply(transport ports.PeerTransport, level domain.QualityLevel) error {
	if transport == nil {
		return nil
	}
	if audio, _ := transport.HasOutboundTracks(); !audio {
		return nil
	}
	kbps := t.profiles.Profile(level).AudioKbps
	t.logger.Debugw("applying audio bitrate", "level", level, "kbps", kbps)
	return transport.SetEncodingParameters(domain.MediaKindAudio, domain.EncodingParameters{
		MaxBitrateBps: kbps * 1000,
		Active:        true,
	})
}

func opusPayloadTypes(md *sdp.MediaDescription) []string {
	var pts []string
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, codec, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(codec), "opus/") {
			pts = append(pts, pt)
		}
	}
	return pts
}

// MergeFmtp sets params on a "k=v;k=v" parameter list, replacing existing
// keys in place and appending new ones.
func MergeFmtp(existing string, params [][2]string) string {
	var keys []string
	values := map[string]string{}
	for _, part := range strings.Split(existing, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if _, ok := values[strings.ToLower(k)]; !ok {
			keys = append(keys, k)
		}
		values[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	for _, p := range params {
		if _, ok := values[p[0]]; !ok {
			keys = append(keys, p[0])
		}
		values[p[0]] = p[1]
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := values[strings.ToLower(k)]
		if v == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}
