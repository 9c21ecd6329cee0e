package webrtc

import (
	"context"
	"fmt"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// CongestionControl enables the send-side GCC estimator.
	CongestionControl bool
	InitialBitrate    int // bps
	MinBitrate        int
	MaxBitrate        int
}

func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		ICEServers:        []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		CongestionControl: true,
		InitialBitrate:    500_000,
		MinBitrate:        30_000,
		MaxBitrate:        3_000_000,
	}
}

type registeredCodec struct {
	kind   domain.MediaKind
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

// defaultCodecs is the codec set every transport registers. Opus only for
// audio; the video order here is registration order, not preference.
func defaultCodecs() []registeredCodec {
	video := func(mime string, pt webrtc.PayloadType, fmtp string) registeredCodec {
		return registeredCodec{
			kind: domain.MediaKindVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     mime,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: videoFeedback,
				},
				PayloadType: pt,
			},
		}
	}
	return []registeredCodec{
		{
			kind: domain.MediaKindAudio,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:    webrtc.MimeTypeOpus,
					ClockRate:   48000,
					Channels:    2,
					SDPFmtpLine: "minptime=10;useinbandfec=1",
				},
				PayloadType: 111,
			},
		},
		video(webrtc.MimeTypeVP8, 96, ""),
		video(webrtc.MimeTypeVP9, 98, "profile-id=0"),
		video(webrtc.MimeTypeH264, 102, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"),
		video(webrtc.MimeTypeAV1, 45, ""),
	}
}

func rtpCodecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// TransportFactory builds one pion peer connection per call. Each transport
// gets its own API so the bandwidth estimator can be tied to it.
type TransportFactory struct {
	config WebRTCConfig
	codecs []registeredCodec
	sink   ports.RemoteMediaSink
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(config WebRTCConfig, sink ports.RemoteMediaSink, logger *zap.SugaredLogger) *TransportFactory {
	return &TransportFactory{
		config: config,
		codecs: defaultCodecs(),
		sink:   sink,
		logger: logger,
	}
}

func (f *TransportFactory) NewTransport(_ context.Context) (ports.PeerTransport, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range f.codecs {
		if err := m.RegisterCodec(c.params, rtpCodecType(c.kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.params.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	estimators := make(chan cc.BandwidthEstimator, 1)
	if f.config.CongestionControl {
		congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
			return gcc.NewSendSideBWE(
				gcc.SendSideBWEInitialBitrate(f.config.InitialBitrate),
				gcc.SendSideBWEMinBitrate(f.config.MinBitrate),
				gcc.SendSideBWEMaxBitrate(f.config.MaxBitrate),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("congestion controller: %w", err)
		}
		congestionController.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
			select {
			case estimators <- estimator:
			default:
			}
		})
		i.Add(congestionController)
		if err := webrtc.ConfigureTWCCHeaderExtensionSender(m, i); err != nil {
			return nil, fmt.Errorf("twcc header extension: %w", err)
		}
	}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = newZapLoggerFactory(f.logger.Named("pion"))
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// The estimator is created while the connection is built.
	var estimator cc.BandwidthEstimator
	select {
	case estimator = <-estimators:
	default:
	}

	// Inbound counters describe one call.
	if r, ok := f.sink.(interface{ Reset() }); ok {
		r.Reset()
	}

	return newTransport(pc, estimator, f.codecs, f.sink, f.logger), nil
}
