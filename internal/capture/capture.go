// Package capture acquires frames from live streams by shelling out to the
// resolver and grabber tools. Tool failures and timeouts yield no result for
// the cycle; they are logged and never escalate.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

const (
	// DefaultToolTimeout bounds every external tool invocation.
	DefaultToolTimeout = 10 * time.Second
	// DefaultFPS is one frame every five seconds.
	DefaultFPS = 0.2
	// DefaultDiffThreshold is the changed-pixels ratio above which a frame
	// is considered new content.
	DefaultDiffThreshold = 0.05
)

// Config holds the external tool configuration.
type Config struct {
	// ResolverBin resolves a platform URL to a direct stream URL
	// (streamlink-compatible CLI).
	ResolverBin string
	// Quality is passed to the resolver stream selection.
	Quality string
	// GrabberBin extracts single frames (ffmpeg-compatible CLI).
	GrabberBin string
	// ToolTimeout bounds each tool run.
	ToolTimeout time.Duration
	// FPS is the capture rate. 0.2 means one frame every 5s.
	FPS float64
	// TempDir receives frame scratch files. Empty means os.TempDir.
	TempDir string
}

// DefaultConfig returns tool defaults matching a stock streamlink/ffmpeg
// install.
func DefaultConfig() Config {
	return Config{
		ResolverBin: "streamlink",
		Quality:     "best",
		GrabberBin:  "ffmpeg",
		ToolTimeout: DefaultToolTimeout,
		FPS:         DefaultFPS,
	}
}

// ConfigFromEnv reads the tool configuration from the environment.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		ResolverBin: config.GetEnv("RESOLVER_BIN", def.ResolverBin),
		Quality:     config.GetEnv("STREAM_QUALITY", def.Quality),
		GrabberBin:  config.GetEnv("GRABBER_BIN", def.GrabberBin),
		ToolTimeout: config.GetEnvDuration("CAPTURE_TOOL_TIMEOUT", def.ToolTimeout),
		FPS:         config.GetEnvFloat("CAPTURE_FPS", def.FPS),
		TempDir:     config.GetEnv("CAPTURE_TEMP_DIR", ""),
	}
}

// Interval converts the configured FPS into a capture interval.
func (c Config) Interval() time.Duration {
	if c.FPS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(float64(time.Second) / c.FPS)
}

// runner abstracts tool execution so tests can stub the binaries.
type runner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 300 {
			detail = detail[:300]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, detail)
	}
	return stdout.Bytes(), nil
}

// Capturer resolves stream URLs and grabs frames.
type Capturer struct {
	cfg    Config
	logger logging.Logger
	runner runner
}

// NewCapturer creates a capturer with the given tool configuration.
func NewCapturer(cfg Config, logger logging.Logger) *Capturer {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	return &Capturer{cfg: cfg, logger: logger, runner: execRunner{}}
}

// ResolveStreamURL turns a platform playback URL into a direct stream URL.
// ok is false when the resolver failed or timed out this cycle.
func (c *Capturer) ResolveStreamURL(ctx context.Context, playbackURL string) (string, bool) {
	if playbackURL == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
	defer cancel()

	out, err := c.runner.run(ctx, c.cfg.ResolverBin, "--stream-url", playbackURL, c.cfg.Quality)
	if err != nil {
		c.logger.WithError(err).WithField("playback_url", playbackURL).Warn("Stream URL resolution failed")
		return "", false
	}

	url := strings.TrimSpace(string(out))
	if url == "" {
		c.logger.WithField("playback_url", playbackURL).Warn("Resolver returned empty stream URL")
		return "", false
	}
	return url, true
}

// CaptureFrame grabs a single frame from a stream URL. ok is false when the
// grabber failed or timed out. The scratch file is removed on every path.
func (c *Capturer) CaptureFrame(ctx context.Context, streamURL string) ([]byte, bool) {
	if streamURL == "" {
		return nil, false
	}

	tmp, err := os.CreateTemp(c.cfg.TempDir, "slotfeed-frame-*.jpg")
	if err != nil {
		c.logger.WithError(err).Warn("Frame scratch file creation failed")
		return nil, false
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
	defer cancel()

	_, err = c.runner.run(ctx, c.cfg.GrabberBin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", streamURL,
		"-frames:v", "1",
		"-q:v", "2",
		path,
	)
	if err != nil {
		c.logger.WithError(err).WithField("stream_url", streamURL).Warn("Frame capture failed")
		return nil, false
	}

	frame, err := os.ReadFile(path)
	if err != nil || len(frame) == 0 {
		c.logger.WithError(err).Warn("Captured frame unreadable")
		return nil, false
	}
	return frame, true
}

// Loop captures frames at the configured rate until ctx is done or, when
// maxDuration is positive, the duration elapses. Callback panics are
// recovered and logged; a failed capture skips the cycle.
func (c *Capturer) Loop(ctx context.Context, streamURL string, onFrame func([]byte), maxDuration time.Duration) {
	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	interval := c.cfg.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if frame, ok := c.CaptureFrame(ctx, streamURL); ok {
			c.invoke(onFrame, frame)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Capturer) invoke(onFrame func([]byte), frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("Frame callback panic")
		}
	}()
	onFrame(frame)
}
