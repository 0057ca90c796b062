// Package extract wraps the screen-reading tool that turns captured frames
// into raw balance readings. The recognizer itself is an external binary;
// this package only shells out, parses, and filters.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

const (
	// DefaultTimeout bounds one recognizer invocation.
	DefaultTimeout = 10 * time.Second
	// DefaultMinConfidence drops readings the recognizer itself is not
	// sure about before they reach validation.
	DefaultMinConfidence = 0.4
)

// RawReading is one candidate set of on-screen values from a single frame.
// Pointer fields are nil when the recognizer did not find that region.
type RawReading struct {
	SessionID  string    `json:"session_id"`
	CapturedAt time.Time `json:"captured_at"`
	Balance    *float64  `json:"balance,omitempty"`
	Bet        *float64  `json:"bet,omitempty"`
	Win        *float64  `json:"win,omitempty"`
	Multiplier *float64  `json:"multiplier,omitempty"`
	Confidence float64   `json:"confidence"`
}

// Extractor turns a frame into zero or more raw readings.
type Extractor interface {
	Extract(ctx context.Context, frame []byte) ([]RawReading, error)
}

// Config holds the recognizer tool configuration.
type Config struct {
	// Bin is the recognizer binary. It receives the frame on stdin and
	// prints a JSON result on stdout.
	Bin string
	// Args precede the frame input.
	Args []string
	// Timeout bounds each invocation.
	Timeout time.Duration
	// MinConfidence filters low-confidence readings at this boundary.
	MinConfidence float64
}

// DefaultConfig returns recognizer defaults.
func DefaultConfig() Config {
	return Config{
		Bin:           "slotocr",
		Timeout:       DefaultTimeout,
		MinConfidence: DefaultMinConfidence,
	}
}

// ConfigFromEnv reads the recognizer configuration from the environment.
// RECOGNIZER_ARGS is whitespace-split into extra arguments.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		Bin:           config.GetEnv("RECOGNIZER_BIN", def.Bin),
		Timeout:       config.GetEnvDuration("RECOGNIZER_TIMEOUT", def.Timeout),
		MinConfidence: config.GetEnvFloat("RECOGNIZER_MIN_CONFIDENCE", def.MinConfidence),
	}
	if args := config.GetEnv("RECOGNIZER_ARGS", ""); args != "" {
		cfg.Args = strings.Fields(args)
	}
	return cfg
}

// runner abstracts the tool invocation for tests.
type runner interface {
	run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
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

// CommandExtractor runs the external recognizer once per frame.
type CommandExtractor struct {
	cfg    Config
	logger logging.Logger
	runner runner
}

// NewCommandExtractor creates an extractor for the configured recognizer.
func NewCommandExtractor(cfg Config, logger logging.Logger) *CommandExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &CommandExtractor{cfg: cfg, logger: logger, runner: execRunner{}}
}

// wire format of the recognizer output.
type wireResult struct {
	Readings []wireReading `json:"readings"`
}

type wireReading struct {
	Balance    *float64 `json:"balance"`
	Bet        *float64 `json:"bet"`
	Win        *float64 `json:"win"`
	Multiplier *float64 `json:"multiplier"`
	Confidence float64  `json:"confidence"`
}

// Extract runs the recognizer on one frame. Errors mean no readings this
// cycle; callers log and move on.
func (e *CommandExtractor) Extract(ctx context.Context, frame []byte) ([]RawReading, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	out, err := e.runner.run(ctx, frame, e.cfg.Bin, e.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("recognizer run: %w", err)
	}

	var result wireResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("recognizer output: %w", err)
	}

	readings := make([]RawReading, 0, len(result.Readings))
	for _, wr := range result.Readings {
		confidence := clamp01(wr.Confidence)
		if confidence < e.cfg.MinConfidence {
			e.logger.WithFields(logging.Fields{
				"confidence": confidence,
				"min":        e.cfg.MinConfidence,
			}).Debug("Dropping low-confidence reading")
			continue
		}
		readings = append(readings, RawReading{
			Balance:    wr.Balance,
			Bet:        wr.Bet,
			Win:        wr.Win,
			Multiplier: wr.Multiplier,
			Confidence: confidence,
		})
	}
	return readings, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
