package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/params"
)

// Static errors for runner operations.
var (
	// ErrModelDirMissing is returned when the weight cache for a key is absent.
	ErrModelDirMissing = errors.New("pipeline: model directory not found")
	// ErrRunnerNotReady is returned when the runner exits or misbehaves
	// before signalling readiness.
	ErrRunnerNotReady = errors.New("pipeline: runner did not become ready")
	// ErrRunnerProtocol is returned on a malformed runner response.
	ErrRunnerProtocol = errors.New("pipeline: unexpected runner response")
)

// Model repositories per generation mode, as laid out in the weight cache.
const (
	t2vModelRepo    = "Wan-AI/Wan2.2-T2V-14B-Diffusers"
	i2v480ModelRepo = "Wan-AI/Wan2.2-I2V-14B-480P-Diffusers"
	i2v720ModelRepo = "Wan-AI/Wan2.2-I2V-14B-720P-Diffusers"
)

// modelRepo maps a pipeline key to its weight repository path.
func modelRepo(key Key) string {
	if key.Mode == params.ModeI2V {
		if key.Resolution == params.Resolution720p {
			return i2v720ModelRepo
		}
		return i2v480ModelRepo
	}
	return t2vModelRepo
}

// ProcessLoader loads pipelines by spawning a warm runner subprocess per key.
// The runner keeps the weights resident and serves generation requests over a
// line-delimited JSON protocol on stdin/stdout, raw RGB24 frames following
// each response header.
type ProcessLoader struct {
	runnerPath  string
	modelDir    string
	loadTimeout time.Duration
	logger      *slog.Logger
}

// NewProcessLoader creates a loader. modelDir is the externally provisioned
// weight cache volume; runnerPath is the runner binary (defaults to
// "wan-runner" on PATH).
func NewProcessLoader(runnerPath, modelDir string, loadTimeout time.Duration, logger *slog.Logger) *ProcessLoader {
	if runnerPath == "" {
		runnerPath = "wan-runner"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessLoader{
		runnerPath:  runnerPath,
		modelDir:    modelDir,
		loadTimeout: loadTimeout,
		logger:      logger,
	}
}

// Load starts a runner for key and waits for its ready handshake.
func (l *ProcessLoader) Load(ctx context.Context, key Key) (Pipeline, error) {
	repo := modelRepo(key)
	weights := filepath.Join(l.modelDir, filepath.FromSlash(repo))
	if _, err := os.Stat(weights); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelDirMissing, weights)
	}

	if l.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.loadTimeout)
		defer cancel()
	}

	procCtx, procCancel := context.WithCancel(context.Background())

	// #nosec G204 - runnerPath is set by the application, not user input
	cmd := exec.CommandContext(procCtx, l.runnerPath,
		"--mode", string(key.Mode),
		"--resolution", string(key.Resolution),
		"--model-dir", weights,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("pipeline: runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("pipeline: runner stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("pipeline: runner stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		procCancel()
		return nil, fmt.Errorf("pipeline: start runner: %w", err)
	}

	p := &processPipeline{
		key:    key,
		cmd:    cmd,
		cancel: procCancel,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
	}

	// Forward runner stderr into our structured log.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			l.logger.Debug("runner",
				slog.String("key", key.String()),
				slog.String("line", scanner.Text()),
			)
		}
	}()

	if err := p.awaitReady(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// runnerEvent is one line of the runner's stdout protocol.
type runnerEvent struct {
	Event     string `json:"event"` // "ready", "frames" or "error"
	NumFrames int    `json:"num_frames,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Error     string `json:"error,omitempty"`
}

// generateRequest is the JSON line sent to the runner per generation call.
type generateRequest struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumFrames         int     `json:"num_frames"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Seed              int64   `json:"seed"`
	// ImageRGB carries the i2v source frame as base64 raw RGB24, with its
	// dimensions alongside. Empty for t2v.
	ImageRGB    string `json:"image_rgb,omitempty"`
	ImageWidth  int    `json:"image_width,omitempty"`
	ImageHeight int    `json:"image_height,omitempty"`
}

// processPipeline is the Pipeline backed by a warm runner subprocess.
// The registry serializes callers, so reads and writes never interleave.
type processPipeline struct {
	key    Key
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// awaitReady blocks until the runner reports it has the weights loaded.
func (p *processPipeline) awaitReady(ctx context.Context) error {
	type readyResult struct {
		ev  runnerEvent
		err error
	}
	ch := make(chan readyResult, 1)
	go func() {
		ev, err := p.readEvent()
		ch <- readyResult{ev: ev, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRunnerNotReady, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%w: %v", ErrRunnerNotReady, res.err)
		}
		if res.ev.Event != "ready" {
			return fmt.Errorf("%w: got %q during startup", ErrRunnerNotReady, res.ev.Event)
		}
		return nil
	}
}

// Generate sends one request to the runner and reads back the frame sequence.
func (p *processPipeline) Generate(_ context.Context, cfg params.GenerationConfig) ([]media.Frame, error) {
	req := generateRequest{
		Prompt:            cfg.Prompt,
		NegativePrompt:    cfg.NegativePrompt,
		Width:             cfg.Width,
		Height:            cfg.Height,
		NumFrames:         cfg.NumFrames,
		GuidanceScale:     cfg.GuidanceScale,
		NumInferenceSteps: cfg.NumInferenceSteps,
		Seed:              cfg.Seed,
	}
	if cfg.SourceImage != nil {
		req.ImageRGB = base64.StdEncoding.EncodeToString(cfg.SourceImage.Pix)
		req.ImageWidth = cfg.SourceImage.Width
		req.ImageHeight = cfg.SourceImage.Height
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal request: %w", err)
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("pipeline: write request: %w", err)
	}

	ev, err := p.readEvent()
	if err != nil {
		return nil, fmt.Errorf("pipeline: read response: %w", err)
	}
	switch ev.Event {
	case "error":
		return nil, fmt.Errorf("pipeline: runner: %s", ev.Error)
	case "frames":
	default:
		return nil, fmt.Errorf("%w: event %q", ErrRunnerProtocol, ev.Event)
	}
	if ev.NumFrames <= 0 || ev.Width <= 0 || ev.Height <= 0 {
		return nil, fmt.Errorf("%w: frames=%d size=%dx%d", ErrRunnerProtocol, ev.NumFrames, ev.Width, ev.Height)
	}

	frameSize := ev.Width * ev.Height * 3
	frames := make([]media.Frame, 0, ev.NumFrames)
	for i := 0; i < ev.NumFrames; i++ {
		pix := make([]byte, frameSize)
		if _, err := io.ReadFull(p.stdout, pix); err != nil {
			return nil, fmt.Errorf("pipeline: read frame %d: %w", i, err)
		}
		frames = append(frames, media.Frame{Width: ev.Width, Height: ev.Height, Pix: pix})
	}
	return frames, nil
}

// readEvent reads and parses one protocol line from the runner.
func (p *processPipeline) readEvent() (runnerEvent, error) {
	line, err := p.stdout.ReadBytes('\n')
	if err != nil {
		return runnerEvent{}, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return runnerEvent{}, fmt.Errorf("%w: empty line", ErrRunnerProtocol)
	}

	var ev runnerEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return runnerEvent{}, fmt.Errorf("%w: %v (line: %s)", ErrRunnerProtocol, err, truncate(string(line), 200))
	}
	return ev, nil
}

// Close terminates the runner process, releasing its GPU memory.
func (p *processPipeline) Close() error {
	_ = p.stdin.Close()
	p.cancel()
	err := p.cmd.Wait()
	// Killing the process is the expected shutdown path.
	if err != nil && !strings.Contains(err.Error(), "killed") {
		return fmt.Errorf("pipeline: runner exit: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
