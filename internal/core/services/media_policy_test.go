package services

import (
	"fmt"
	"strings"
	"testing"

	"duocall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialLevel(t *testing.T) {
	resolver, err := NewMediaConstraintResolver(domain.DefaultProfileTable())
	require.NoError(t, err)

	tests := []struct {
		name string
		hint domain.NetworkHint
		want domain.QualityLevel
	}{
		{"fast wifi earns hd", domain.NetworkHint{Type: domain.NetworkWiFi, EffectiveType: domain.Effective4G, DownlinkMbps: 20}, domain.QualityHD},
		{"slow wifi stays high", domain.NetworkHint{Type: domain.NetworkWiFi, EffectiveType: domain.Effective4G, DownlinkMbps: 5}, domain.QualityHigh},
		{"fast cellular stays high", domain.NetworkHint{Type: domain.NetworkCellular, EffectiveType: domain.Effective4G, DownlinkMbps: 50}, domain.QualityHigh},
		{"3g", domain.NetworkHint{Type: domain.NetworkCellular, EffectiveType: domain.Effective3G}, domain.QualityMedium},
		{"2g", domain.NetworkHint{Type: domain.NetworkCellular, EffectiveType: domain.Effective2G}, domain.QualityLow},
		{"slow 2g", domain.NetworkHint{EffectiveType: domain.EffectiveSlow2G}, domain.QualityAudioOnly},
		{"unknown", domain.NetworkHint{}, domain.QualityMedium},
		{"ethernet without effective type", domain.NetworkHint{Type: domain.NetworkEthernet}, domain.QualityHigh},
		{"save data caps at low", domain.NetworkHint{Type: domain.NetworkWiFi, EffectiveType: domain.Effective4G, DownlinkMbps: 20, SaveData: true}, domain.QualityLow},
		{"save data keeps audio only", domain.NetworkHint{EffectiveType: domain.EffectiveSlow2G, SaveData: true}, domain.QualityAudioOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolver.InitialLevel(tt.hint))
		})
	}
}

func TestConstraintsFollowProfiles(t *testing.T) {
	resolver, err := NewMediaConstraintResolver(domain.DefaultProfileTable())
	require.NoError(t, err)

	high := resolver.Constraints(domain.QualityHigh)
	assert.Equal(t, domain.QualityHigh, high.Level)
	assert.True(t, high.Video.Enabled)
	assert.Equal(t, 1280, high.Video.Width)
	assert.Equal(t, 720, high.Video.Height)
	assert.Equal(t, 1200, high.Video.BitrateKbps)
	assert.Equal(t, 48, high.Audio.BitrateKbps)
	assert.Equal(t, 48000, high.Audio.SampleRate)
	assert.True(t, high.Audio.EchoCancellation)

	audioOnly := resolver.Constraints(domain.QualityAudioOnly)
	assert.False(t, audioOnly.Video.Enabled)
	assert.Equal(t, 16, audioOnly.Audio.BitrateKbps)

	assert.Equal(t, domain.QualityHD, resolver.Constraints(domain.QualityLevel(9)).Level)
}

func TestResolverRejectsInvalidTable(t *testing.T) {
	table := domain.DefaultProfileTable()
	delete(table, domain.QualityLow)

	_, err := NewMediaConstraintResolver(table)
	assert.ErrorIs(t, err, domain.ErrInvalidProfileTable)
}

func TestDeviceSupportsAV1(t *testing.T) {
	tests := []struct {
		platform string
		want     bool
	}{
		{"", false},
		{"Linux x86_64", true},
		{"Windows NT 10.0; Win64; x64", true},
		{"Macintosh; Intel Mac OS X 14_2", true},
		{"Linux; Android 14; Pixel 8 Pro", true},
		{"Linux; Android 10; SM-A105F", false},
		{"iPhone; CPU iPhone OS 17_2 like Mac OS X", true},
		{"iPhone; CPU iPhone OS 15_0 like Mac OS X", false},
		{"PlayStation 5", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DeviceSupportsAV1(tt.platform), tt.platform)
	}
}

func mimeTypes(codecs []domain.CodecDescriptor) []string {
	out := make([]string, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, c.MimeType)
	}
	return out
}

func TestCodecOrder(t *testing.T) {
	n := NewCodecNegotiator(domain.DeviceInfo{Platform: "Linux x86_64"}, testLogger())
	codecs := newFakeTransport("t").LocalCodecs(domain.MediaKindVideo)

	assert.Equal(t,
		[]string{domain.MimeTypeAV1, domain.MimeTypeVP9, domain.MimeTypeH264, domain.MimeTypeVP8},
		mimeTypes(n.Order(codecs, true)))
	assert.Equal(t,
		[]string{domain.MimeTypeVP9, domain.MimeTypeH264, domain.MimeTypeVP8},
		mimeTypes(n.Order(codecs, false)))
}

func TestCodecOrderKeepsRelativeOrderWithinFamily(t *testing.T) {
	n := NewCodecNegotiator(domain.DeviceInfo{}, testLogger())
	codecs := []domain.CodecDescriptor{
		{MimeType: domain.MimeTypeH264, PayloadType: 102, SDPFmtpLine: "profile-level-id=42001f"},
		{MimeType: domain.MimeTypeVP8, PayloadType: 96},
		{MimeType: domain.MimeTypeH264, PayloadType: 125, SDPFmtpLine: "profile-level-id=42e01f"},
	}

	ordered := n.Order(codecs, false)
	require.Len(t, ordered, 3)
	assert.Equal(t, uint8(102), ordered[0].PayloadType)
	assert.Equal(t, uint8(125), ordered[1].PayloadType)
	assert.Equal(t, uint8(96), ordered[2].PayloadType)
}

func TestAllowAV1(t *testing.T) {
	codecs := newFakeTransport("t").LocalCodecs(domain.MediaKindVideo)
	desktop := NewCodecNegotiator(domain.DeviceInfo{Platform: "Linux x86_64"}, testLogger())
	phone := NewCodecNegotiator(domain.DeviceInfo{Platform: "Android 9; SM-J600"}, testLogger())

	assert.True(t, desktop.AllowAV1(domain.QualityHD, codecs))
	assert.False(t, desktop.AllowAV1(domain.QualityHigh, codecs), "only the top tier")
	assert.False(t, phone.AllowAV1(domain.QualityHD, codecs))
	assert.False(t, desktop.AllowAV1(domain.QualityHD, codecs[:3]), "needs local AV1 support")
}

func TestCodecNegotiatorApply(t *testing.T) {
	n := NewCodecNegotiator(domain.DeviceInfo{Platform: "Linux x86_64"}, testLogger())

	transport := newFakeTransport("t")
	require.NoError(t, n.Apply(transport, domain.QualityHD))
	assert.Empty(t, transport.codecPrefs, "no video sender, nothing to order")

	transport.audio, transport.video = true, true
	require.NoError(t, n.Apply(transport, domain.QualityHD))
	require.NoError(t, n.Apply(transport, domain.QualityMedium))
	require.Len(t, transport.codecPrefs, 2)
	assert.Equal(t, domain.MimeTypeAV1, transport.codecPrefs[0][0].MimeType)
	assert.Equal(t, domain.MimeTypeVP9, transport.codecPrefs[1][0].MimeType)
	assert.Len(t, transport.codecPrefs[1], 3)

	assert.NoError(t, n.Apply(nil, domain.QualityHD))
}

func TestMergeFmtp(t *testing.T) {
	params := [][2]string{{"useinbandfec", "1"}, {"usedtx", "1"}}

	assert.Equal(t, "minptime=10;useinbandfec=1;usedtx=1",
		MergeFmtp("minptime=10;useinbandfec=0", params))
	assert.Equal(t, "useinbandfec=1;usedtx=1", MergeFmtp("", params))
	assert.Equal(t, "stereo;useinbandfec=1;usedtx=1", MergeFmtp(" stereo ; ", params))
}

func TestTuneDescriptionRewritesOpus(t *testing.T) {
	tuner := NewAudioTuner(domain.DefaultProfileTable(), testLogger())
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf(fakeSDPTemplate, fakeVideoSection)}

	tuned, err := tuner.TuneDescription(desc, domain.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeOffer, tuned.Type)
	assert.Contains(t, tuned.SDP, "a=fmtp:111 minptime=10;useinbandfec=1;usedtx=1;maxaveragebitrate=48000")
	assert.Contains(t, tuned.SDP, "m=video")
	assert.Equal(t, 1, strings.Count(tuned.SDP, "a=fmtp:111"))
}

func TestTuneDescriptionAddsMissingFmtp(t *testing.T) {
	tuner := NewAudioTuner(domain.DefaultProfileTable(), testLogger())
	raw := strings.Replace(fmt.Sprintf(fakeSDPTemplate, ""), "a=fmtp:111 minptime=10;useinbandfec=0\r\n", "", 1)

	tuned, err := tuner.TuneDescription(domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: raw}, domain.QualityAudioOnly)
	require.NoError(t, err)
	assert.Contains(t, tuned.SDP, "a=fmtp:111 useinbandfec=1;usedtx=1;maxaveragebitrate=16000")
}

func TestTuneDescriptionWithoutOpusIsUnchanged(t *testing.T) {
	tuner := NewAudioTuner(domain.DefaultProfileTable(), testLogger())
	raw := "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" + fakeVideoSection
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: raw}

	tuned, err := tuner.TuneDescription(desc, domain.QualityHD)
	require.NoError(t, err)
	assert.Equal(t, desc, tuned)

	// Only protocol version 0 exists.
	bad := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=1\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}
	tuned, err = tuner.TuneDescription(bad, domain.QualityHD)
	assert.Error(t, err)
	assert.Equal(t, bad, tuned, "an unparsable description is returned untouched")
}

func TestAudioTunerApply(t *testing.T) {
	tuner := NewAudioTuner(domain.DefaultProfileTable(), testLogger())
	transport := newFakeTransport("t")

	require.NoError(t, tuner.Apply(transport, domain.QualityMedium))
	assert.Equal(t, domain.EncodingParameters{}, transport.Encoding(domain.MediaKindAudio))

	transport.audio = true
	require.NoError(t, tuner.Apply(transport, domain.QualityMedium))
	assert.Equal(t, domain.EncodingParameters{MaxBitrateBps: 32000, Active: true}, transport.Encoding(domain.MediaKindAudio))
}

func TestVerifyLocalTracks(t *testing.T) {
	transport := newFakeTransport("t")
	transport.audio = true
	assert.ErrorIs(t, verifyLocalTracks(transport), domain.ErrMissingLocalTracks)

	transport.video = true
	assert.NoError(t, verifyLocalTracks(transport))
}

func TestVerifyDescriptionMedia(t *testing.T) {
	full := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf(fakeSDPTemplate, fakeVideoSection)}
	audioOnly := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf(fakeSDPTemplate, "")}

	assert.NoError(t, verifyDescriptionMedia(full))
	assert.ErrorIs(t, verifyDescriptionMedia(audioOnly), domain.ErrMissingMediaInDescription)
	assert.ErrorIs(t, verifyDescriptionMedia(domain.SessionDescription{SDP: "m=audio only"}), domain.ErrMissingMediaInDescription)
}
