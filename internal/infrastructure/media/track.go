package media

import (
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"
)

// Track is a sample-based local track. A disabled track keeps its sender
// but writes nothing.
type Track struct {
	id    string
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample

	enabled   *atomic.Bool
	live      *atomic.Bool
	producing *atomic.Bool
	keyframe  *atomic.Bool
	written   *atomic.Uint64

	mu     sync.Mutex
	params domain.EncodingParameters
}

var (
	_ ports.MediaTrack        = (*Track)(nil)
	_ ports.EncodingTunable   = (*Track)(nil)
	_ ports.KeyframeRequester = (*Track)(nil)
)

func newTrack(kind domain.MediaKind, mimeType, streamID string) (*Track, error) {
	id := string(kind) + "-" + streamID
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{
		id:        id,
		kind:      kind,
		local:     local,
		enabled:   atomic.NewBool(true),
		live:      atomic.NewBool(true),
		producing: atomic.NewBool(false),
		keyframe:  atomic.NewBool(false),
		written:   atomic.NewUint64(0),
	}, nil
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() domain.MediaKind    { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *Track) Live() bool                { return t.live.Load() }
func (t *Track) Muted() bool               { return !t.enabled.Load() || !t.producing.Load() }
func (t *Track) RequestKeyframe()          { t.keyframe.Store(true) }
func (t *Track) stop()                     { t.live.Store(false) }
func (t *Track) takeKeyframeRequest() bool { return t.keyframe.CompareAndSwap(true, false) }
func (t *Track) samplesWritten() uint64    { return t.written.Load() }

func (t *Track) SetEncodingParameters(params domain.EncodingParameters) {
	t.mu.Lock()
	t.params = params
	t.mu.Unlock()
}

func (t *Track) EncodingParameters() domain.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// writeSample drops the sample while the track is disabled, stopped or
// deactivated by its sender cap. Files are pre-encoded, so MaxBitrateBps and
// MaxFramerate are recorded for the sender but do not change the payload.
func (t *Track) writeSample(sample pionmedia.Sample) error {
	if !t.live.Load() || !t.enabled.Load() {
		return nil
	}
	t.mu.Lock()
	active := t.params.Active || t.params == (domain.EncodingParameters{})
	t.mu.Unlock()
	if !active {
		return nil
	}
	t.producing.Store(true)
	if err := t.local.WriteSample(sample); err != nil {
		return err
	}
	t.written.Inc()
	return nil
}
