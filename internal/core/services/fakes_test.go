package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeLink produces cumulative transport counters for a scripted network.
type fakeLink struct {
	mu    sync.Mutex
	stats domain.TransportStats
	err   error
}

func newFakeLink(start time.Time) *fakeLink {
	return &fakeLink{stats: domain.TransportStats{Timestamp: start, RemoteFractionLost: -1}}
}

func (l *fakeLink) advance(interval time.Duration, kbps, lossPercent float64, rtt time.Duration, nacks uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Timestamp = l.stats.Timestamp.Add(interval)
	l.stats.BytesSent += uint64(kbps * 1000 / 8 * interval.Seconds())
	l.stats.RemoteFractionLost = lossPercent / 100
	l.stats.RoundTripTime = rtt
	l.stats.NACKCount += nacks
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLink) Stats(context.Context) (domain.TransportStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, l.err
}

type fakeBatterySource struct {
	reading domain.BatteryReading
	err     error
	watch   chan domain.BatteryReading
}

func (s *fakeBatterySource) Read(context.Context) (domain.BatteryReading, error) {
	return s.reading, s.err
}

func (s *fakeBatterySource) Watch(context.Context) (<-chan domain.BatteryReading, error) {
	if s.watch == nil {
		return nil, nil
	}
	return s.watch, nil
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.MediaKind
	enabled bool
	live    bool
}

func newFakeTrack(kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: string(kind) + "-track", kind: kind, enabled: true, live: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal {
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *fakeTrack) Muted() bool { return !t.Enabled() }

type fakeCapture struct {
	openCtx     context.Context
	mu          sync.Mutex
	audio       *fakeTrack
	video       *fakeTrack
	constraints domain.MediaConstraints
	applied     []domain.MediaConstraints
	stopped     bool
}

func (c *fakeCapture) AudioTrack() ports.MediaTrack {
	if c.audio == nil {
		return nil
	}
	return c.audio
}

func (c *fakeCapture) VideoTrack() ports.MediaTrack {
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *fakeCapture) Constraints() domain.MediaConstraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.constraints
}

func (c *fakeCapture) ApplyConstraints(_ context.Context, constraints domain.MediaConstraints) ([]ports.MediaTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constraints = constraints
	c.applied = append(c.applied, constraints)
	return nil, nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, t := range []*fakeTrack{c.audio, c.video} {
		if t != nil {
			t.mu.Lock()
			t.live = false
			t.mu.Unlock()
		}
	}
}

func (c *fakeCapture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type fakeMediaSource struct {
	mu       sync.Mutex
	noVideo  bool
	captures []*fakeCapture
}

func (s *fakeMediaSource) Open(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeCapture{openCtx: ctx, audio: newFakeTrack(domain.MediaKindAudio), constraints: constraints}
	if !s.noVideo {
		c.video = newFakeTrack(domain.MediaKindVideo)
		c.video.enabled = constraints.Video.Enabled
	}
	s.captures = append(s.captures, c)
	return c, nil
}

func (s *fakeMediaSource) last() *fakeCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) == 0 {
		return nil
	}
	return s.captures[len(s.captures)-1]
}

const fakeSDPTemplate = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=0\r\n" +
	"%s"

const fakeVideoSection = "m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// fakeTransport connects as soon as both descriptions are set.
type fakeTransport struct {
	mu           sync.Mutex
	name         string
	omitVideoSDP bool
	audio, video bool
	local        *domain.SessionDescription
	remote       *domain.SessionDescription
	added        []domain.Candidate
	codecPrefs   [][]domain.CodecDescriptor
	encodings    map[domain.MediaKind]domain.EncodingParameters
	replaced     []ports.MediaTrack
	closed       bool
	connected    bool
	onCandidate  func(domain.Candidate)
	onState      func(domain.ConnectionState)
	link         *fakeLink
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:      name,
		encodings: make(map[domain.MediaKind]domain.EncodingParameters),
		link:      newFakeLink(time.Now()),
	}
}

func (t *fakeTransport) AddTracks(capture ports.MediaCapture) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = capture.AudioTrack() != nil
	t.video = capture.VideoTrack() != nil
	return nil
}

func (t *fakeTransport) HasOutboundTracks() (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio, t.video
}

func (t *fakeTransport) ReplaceTrack(track ports.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced = append(t.replaced, track)
	return nil
}

func (t *fakeTransport) LocalCodecs(kind domain.MediaKind) []domain.CodecDescriptor {
	if kind == domain.MediaKindAudio {
		return []domain.CodecDescriptor{{MimeType: domain.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
	}
	return []domain.CodecDescriptor{
		{MimeType: domain.MimeTypeVP8, ClockRate: 90000},
		{MimeType: domain.MimeTypeH264, ClockRate: 90000},
		{MimeType: domain.MimeTypeVP9, ClockRate: 90000},
		{MimeType: domain.MimeTypeAV1, ClockRate: 90000},
	}
}

func (t *fakeTransport) SetCodecPreferences(_ domain.MediaKind, codecs []domain.CodecDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codecPrefs = append(t.codecPrefs, codecs)
	return nil
}

func (t *fakeTransport) SetEncodingParameters(kind domain.MediaKind, params domain.EncodingParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.encodings[kind] = params
	return nil
}

func (t *fakeTransport) Encoding(kind domain.MediaKind) domain.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encodings[kind]
}

func (t *fakeTransport) describe(typ domain.SDPType) domain.SessionDescription {
	video := fakeVideoSection
	if t.omitVideoSDP {
		video = ""
	}
	return domain.SessionDescription{Type: typ, SDP: fmt.Sprintf(fakeSDPTemplate, video)}
}

func (t *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	return t.describe(domain.SDPTypeOffer), nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return t.describe(domain.SDPTypeAnswer), nil
}

func (t *fakeTransport) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	t.local = &desc
	handler := t.onCandidate
	t.mu.Unlock()

	if handler != nil {
		mid := "0"
		go handler(domain.Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host " + t.name, SDPMid: &mid})
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	t.remote = &desc
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	ready := t.local != nil && t.remote != nil && !t.connected
	if ready {
		t.connected = true
	}
	handler := t.onState
	t.mu.Unlock()
	if ready && handler != nil {
		go handler(domain.ConnectionStateConnected)
	}
}

func (t *fakeTransport) AddICECandidate(c domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	if strings.Contains(c.Candidate, "malformed") {
		return errors.New("invalid candidate")
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) Added() []domain.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Candidate(nil), t.added...)
}

func (t *fakeTransport) OnICECandidate(h func(domain.Candidate)) {
	t.mu.Lock()
	t.onCandidate = h
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(h func(domain.ConnectionState)) {
	t.mu.Lock()
	t.onState = h
	t.mu.Unlock()
}

func (t *fakeTransport) emitState(state domain.ConnectionState) {
	t.mu.Lock()
	h := t.onState
	t.mu.Unlock()
	if h != nil {
		h(state)
	}
}

func (t *fakeTransport) Stats(ctx context.Context) (domain.TransportStats, error) {
	return t.link.Stats(ctx)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeTransportFactory struct {
	mu           sync.Mutex
	name         string
	omitVideoSDP bool
	created      []*fakeTransport
}

func (f *fakeTransportFactory) NewTransport(context.Context) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport(f.name)
	t.omitVideoSDP = f.omitVideoSDP
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeTransportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// recordingMetrics keeps what the tests assert on.
type recordingMetrics struct {
	noopMetrics
	mu         sync.Mutex
	changes    []string
	candidates map[string]int
	ended      []domain.EndReason
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{candidates: make(map[string]int)}
}

func (m *recordingMetrics) QualityChanged(from, to domain.QualityLevel, cause string) {
	m.mu.Lock()
	m.changes = append(m.changes, fmt.Sprintf("%s->%s:%s", from, to, cause))
	m.mu.Unlock()
}

func (m *recordingMetrics) CandidateHandled(result string) {
	m.mu.Lock()
	m.candidates[result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) CallEnded(reason domain.EndReason, _ time.Duration) {
	m.mu.Lock()
	m.ended = append(m.ended, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) candidateCount(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates[result]
}
