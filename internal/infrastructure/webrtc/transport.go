package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Transport adapts a pion peer connection to ports.PeerTransport.
type Transport struct {
	pc        *webrtc.PeerConnection
	estimator cc.BandwidthEstimator
	codecs    []registeredCodec
	sink      ports.RemoteMediaSink
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	transceivers map[domain.MediaKind]*webrtc.RTPTransceiver
	tracks       map[domain.MediaKind]ports.MediaTrack
	encodings    map[domain.MediaKind]domain.EncodingParameters

	nacks     *atomic.Uint64
	plis      *atomic.Uint64
	closed    *atomic.Bool
	closeOnce sync.Once
}

var _ ports.PeerTransport = (*Transport)(nil)

func newTransport(pc *webrtc.PeerConnection, estimator cc.BandwidthEstimator, codecs []registeredCodec, sink ports.RemoteMediaSink, logger *zap.SugaredLogger) *Transport {
	t := &Transport{
		pc:           pc,
		estimator:    estimator,
		codecs:       codecs,
		sink:         sink,
		logger:       logger,
		transceivers: make(map[domain.MediaKind]*webrtc.RTPTransceiver),
		tracks:       make(map[domain.MediaKind]ports.MediaTrack),
		encodings:    make(map[domain.MediaKind]domain.EncodingParameters),
		nacks:        atomic.NewUint64(0),
		plis:         atomic.NewUint64(0),
		closed:       atomic.NewBool(false),
	}
	pc.OnTrack(t.handleRemoteTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debugw("ICE connection state changed", "ice_state", state)
	})
	return t
}

// AddTracks attaches the capture's tracks on send-receive transceivers.
func (t *Transport) AddTracks(capture ports.MediaCapture) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, track := range []ports.MediaTrack{capture.AudioTrack(), capture.VideoTrack()} {
		if track == nil || track.Local() == nil {
			continue
		}
		kind := track.Kind()
		if _, exists := t.transceivers[kind]; exists {
			return fmt.Errorf("%s track already attached", kind)
		}
		transceiver, err := t.pc.AddTransceiverFromTrack(track.Local(), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		t.transceivers[kind] = transceiver
		t.tracks[kind] = track
		go t.readSenderRTCP(kind, transceiver.Sender())
	}
	return nil
}

func (t *Transport) HasOutboundTracks() (audio, video bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, audio = t.transceivers[domain.MediaKindAudio]
	_, video = t.transceivers[domain.MediaKindVideo]
	return audio, video
}

// ReplaceTrack swaps the sender's track without renegotiation.
func (t *Transport) ReplaceTrack(track ports.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	transceiver, ok := t.transceivers[track.Kind()]
	if !ok {
		return fmt.Errorf("no %s sender to replace", track.Kind())
	}
	if err := transceiver.Sender().ReplaceTrack(track.Local()); err != nil {
		return fmt.Errorf("replace %s track: %w", track.Kind(), err)
	}
	t.tracks[track.Kind()] = track
	if params, ok := t.encodings[track.Kind()]; ok {
		if tunable, ok := track.(ports.EncodingTunable); ok {
			tunable.SetEncodingParameters(params)
		}
	}
	return nil
}

func (t *Transport) LocalCodecs(kind domain.MediaKind) []domain.CodecDescriptor {
	var out []domain.CodecDescriptor
	for _, c := range t.codecs {
		if c.kind != kind {
			continue
		}
		out = append(out, domain.CodecDescriptor{
			MimeType:    c.params.MimeType,
			ClockRate:   c.params.ClockRate,
			Channels:    c.params.Channels,
			SDPFmtpLine: c.params.SDPFmtpLine,
			PayloadType: uint8(c.params.PayloadType),
		})
	}
	return out
}

// SetCodecPreferences orders the transceiver's codecs. Descriptors that do
// not match a registered codec are ignored.
func (t *Transport) SetCodecPreferences(kind domain.MediaKind, codecs []domain.CodecDescriptor) error {
	var prefs []webrtc.RTPCodecParameters
	for _, d := range codecs {
		for _, c := range t.codecs {
			if c.kind == kind && strings.EqualFold(c.params.MimeType, d.MimeType) && uint8(c.params.PayloadType) == d.PayloadType {
				prefs = append(prefs, c.params)
				break
			}
		}
	}
	if len(prefs) == 0 {
		return fmt.Errorf("no registered %s codec among %d preferences", kind, len(codecs))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	transceiver, ok := t.transceivers[kind]
	if !ok {
		return nil
	}
	return transceiver.SetCodecPreferences(prefs)
}

// SetEncodingParameters records the cap and hands it to the track when the
// track can honor it. pion exposes no sender bitrate control.
func (t *Transport) SetEncodingParameters(kind domain.MediaKind, params domain.EncodingParameters) error {
	t.mu.Lock()
	t.encodings[kind] = params
	track := t.tracks[kind]
	t.mu.Unlock()

	if tunable, ok := track.(ports.EncodingTunable); ok {
		tunable.SetEncodingParameters(params)
	}
	return nil
}

func (t *Transport) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (t *Transport) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (t *Transport) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return nil
}

func (t *Transport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (t *Transport) AddICECandidate(c domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// OnICECandidate forwards gathered candidates; the end-of-gathering signal
// is dropped.
func (t *Transport) OnICECandidate(handler func(domain.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		handler(domain.Candidate{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		})
	})
}

func (t *Transport) OnConnectionStateChange(handler func(domain.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "connection_state", state)
		handler(connectionState(state))
	})
}

func (t *Transport) Stats(_ context.Context) (domain.TransportStats, error) {
	if t.closed.Load() {
		return domain.TransportStats{}, domain.ErrTransportClosed
	}
	stats := collectStats(t.pc.GetStats())
	stats.NACKCount = t.nacks.Load()
	stats.PLICount = t.plis.Load()
	if t.estimator != nil {
		stats.AvailableOutboundBitrate = t.estimator.GetTargetBitrate()
	}
	return stats, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.pc.Close()
	})
	return err
}

// readSenderRTCP drains the sender's RTCP so interceptors run, counting
// NACKs and answering keyframe requests.
func (t *Transport) readSenderRTCP(kind domain.MediaKind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debugw("sender RTCP reader stopped", "kind", kind, "error", err)
			}
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.TransportLayerNack:
				for _, pair := range p.Nacks {
					t.nacks.Add(uint64(len(pair.PacketList())))
				}
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				t.plis.Inc()
				t.requestKeyframe(kind)
			}
		}
	}
}

func (t *Transport) requestKeyframe(kind domain.MediaKind) {
	t.mu.Lock()
	track := t.tracks[kind]
	t.mu.Unlock()
	if requester, ok := track.(ports.KeyframeRequester); ok {
		requester.RequestKeyframe()
	}
}

// handleRemoteTrack reads inbound RTP until the track ends and hands every
// packet to the sink.
func (t *Transport) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.MediaKind(track.Kind().String())
	mimeType := track.Codec().MimeType
	t.logger.Infow("remote track started",
		"kind", kind,
		"track_id", track.ID(),
		"codec", mimeType,
	)

	var packets uint64
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			t.logger.Debugw("remote track ended", "kind", kind, "packets", packets, "error", err)
			return
		}
		packets++
		if t.sink == nil {
			continue
		}
		if err := t.sink.WriteRTP(kind, mimeType, packet); err != nil {
			t.logger.Warnw("remote media sink rejected packet",
				"kind", kind,
				"sequence", packet.SequenceNumber,
				"error", err,
			)
		}
	}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func connectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	}
	return domain.ConnectionStateNew
}
