package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	ivfHeaderSize   = 32
	opusSampleRate  = 48000
	oggPageDuration = 20 * time.Millisecond
)

var errCaptureStopped = errors.New("capture stopped")

// Config points the source at pre-encoded media. Empty paths produce
// silent tracks that still negotiate.
type Config struct {
	AudioFile string `yaml:"audio_file"` // Ogg/Opus
	VideoFile string `yaml:"video_file"` // IVF/VP8
	Loop      bool   `yaml:"loop"`
}

// FileSource is a MediaSource replaying files instead of capturing devices.
type FileSource struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*FileSource)(nil)

func NewFileSource(config Config, logger *zap.SugaredLogger) *FileSource {
	return &FileSource{config: config, logger: logger}
}

func (s *FileSource) Open(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaCapture, error) {
	streamID := uuid.NewString()
	audio, err := newTrack(domain.MediaKindAudio, webrtc.MimeTypeOpus, streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := newTrack(domain.MediaKindVideo, webrtc.MimeTypeVP8, streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	video.SetEnabled(constraints.Video.Enabled)

	// Only Stop ends the pumps; ctx bounds the open, not the capture.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Capture{
		audio:       audio,
		video:       video,
		constraints: constraints,
		cancel:      cancel,
		logger:      s.logger.With("stream_id", streamID),
	}

	if s.config.AudioFile != "" {
		c.wg.Add(1)
		go c.pumpOgg(runCtx, s.config.AudioFile, s.config.Loop)
	}
	if s.config.VideoFile != "" {
		c.wg.Add(1)
		go c.pumpIVF(runCtx, s.config.VideoFile, s.config.Loop)
	}
	return c, nil
}

// Capture owns one audio and one video track for the lifetime of a call.
type Capture struct {
	audio  *Track
	video  *Track
	cancel context.CancelFunc
	logger *zap.SugaredLogger
	wg     sync.WaitGroup

	mu          sync.Mutex
	constraints domain.MediaConstraints
	stopped     bool
}

var _ ports.MediaCapture = (*Capture)(nil)

func (c *Capture) AudioTrack() ports.MediaTrack { return c.audio }
func (c *Capture) VideoTrack() ports.MediaTrack { return c.video }

func (c *Capture) Constraints() domain.MediaConstraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.constraints
}

// ApplyConstraints never recreates tracks: files are replayed as recorded
// and the sender caps carry the level.
func (c *Capture) ApplyConstraints(_ context.Context, constraints domain.MediaConstraints) ([]ports.MediaTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, errCaptureStopped
	}
	c.constraints = constraints
	c.logger.Debugw("capture constraints applied",
		"level", constraints.Level,
		"video", constraints.Video.Enabled,
		"width", constraints.Video.Width,
		"height", constraints.Video.Height,
	)
	return nil, nil
}

func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.audio.stop()
	c.video.stop()
	c.wg.Wait()
}

// pumpIVF paces VP8 frames at the file's timebase. A keyframe request
// rewinds to the first frame, which is always a keyframe.
func (c *Capture) pumpIVF(ctx context.Context, path string, loop bool) {
	defer c.wg.Done()

	file, err := os.Open(path)
	if err != nil {
		c.logger.Errorw("failed to open video file", "path", path, "error", err)
		return
	}
	current := file
	defer func() { current.Close() }()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		c.logger.Errorw("failed to parse video file", "path", path, "error", err)
		return
	}

	rewind := func() error {
		next, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := next.Seek(ivfHeaderSize, io.SeekStart); err != nil {
			next.Close()
			return err
		}
		current.Close()
		current = next
		ivf.ResetReader(func(int64) io.Reader { return next })
		return nil
	}

	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = time.Second / 30
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.video.takeKeyframeRequest() {
			if err := rewind(); err != nil {
				c.logger.Warnw("failed to rewind video file", "error", err)
				return
			}
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !loop {
				return
			}
			if err := rewind(); err != nil {
				c.logger.Warnw("failed to rewind video file", "error", err)
				return
			}
			continue
		}
		if err != nil {
			c.logger.Warnw("failed to read video frame", "error", err)
			return
		}
		if err := c.video.writeSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			c.logger.Debugw("video sample dropped", "error", err)
		}
	}
}

// pumpOgg sends one Opus page per tick, timed by granule positions.
func (c *Capture) pumpOgg(ctx context.Context, path string, loop bool) {
	defer c.wg.Done()

	for {
		done, err := c.playOgg(ctx, path)
		if err != nil {
			c.logger.Warnw("audio file playback failed", "path", path, "error", err)
			return
		}
		if done || !loop {
			return
		}
	}
}

func (c *Capture) playOgg(ctx context.Context, path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return false, err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-ticker.C:
		}

		page, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		samples := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		if err := c.audio.writeSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			c.logger.Debugw("audio sample dropped", "error", err)
		}
	}
}
