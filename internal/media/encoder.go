package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Static errors for encoding operations. These indicate invariant violations
// upstream (the executor hands over frames produced from a validated config),
// so callers treat them as internal failures.
var (
	// ErrNoFrames is returned when the frame sequence is empty.
	ErrNoFrames = errors.New("media: no frames to encode")
	// ErrFrameMismatch is returned when frame dimensions differ across the sequence.
	ErrFrameMismatch = errors.New("media: inconsistent frame dimensions")
	// ErrInvalidFrameRate is returned when the frame rate is not positive.
	ErrInvalidFrameRate = errors.New("media: frame rate must be positive")
)

// Encoder muxes a raw frame sequence into an MP4 container.
type Encoder interface {
	// Encode muxes frames into an MP4 at the given frame rate and returns
	// the container bytes. Encoding is deterministic for identical input.
	Encode(ctx context.Context, frames []Frame, frameRate int) ([]byte, error)
}

// Compile-time check that FFmpegEncoder implements Encoder.
var _ Encoder = (*FFmpegEncoder)(nil)

// FFmpegEncoder implements Encoder using the ffmpeg CLI, feeding raw RGB24
// frames over stdin and reading the finished MP4 from a temporary file.
type FFmpegEncoder struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// tempDir is where intermediate MP4 files are written. Empty means os.TempDir.
	tempDir string
}

// NewFFmpegEncoder creates a new FFmpegEncoder.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegEncoder(ffmpegPath, tempDir string) *FFmpegEncoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegEncoder{ffmpegPath: ffmpegPath, tempDir: tempDir}
}

// Encode muxes frames into an H.264 MP4 container.
// All frames must share the dimensions of the first frame; a mismatch fails
// with ErrFrameMismatch before ffmpeg is invoked.
func (e *FFmpegEncoder) Encode(ctx context.Context, frames []Frame, frameRate int) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFrameRate, frameRate)
	}

	w, h := frames[0].Width, frames[0].Height
	for i := range frames {
		if frames[i].Width != w || frames[i].Height != h {
			return nil, fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
				ErrFrameMismatch, i, frames[i].Width, frames[i].Height, w, h)
		}
		if !frames[i].Valid() {
			return nil, fmt.Errorf("%w: frame %d has %d bytes, expected %d",
				ErrFrameMismatch, i, len(frames[i].Pix), frames[i].Size())
		}
	}

	out, err := os.CreateTemp(e.tempDir, "wan-encode-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("media: create temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer func() { _ = os.Remove(outPath) }()

	args := []string{
		"-y",              // Overwrite output file without asking
		"-f", "rawvideo", // Raw frame input on stdin
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.Itoa(frameRate),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p", // Pixel format for broad player compatibility
		"-movflags", "+faststart",
		outPath,
	}

	if err := e.runFFmpeg(ctx, args, frames); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath) // #nosec G304 - path comes from os.CreateTemp
	if err != nil {
		return nil, fmt.Errorf("media: read encoded output: %w", err)
	}
	return data, nil
}

// runFFmpeg executes ffmpeg, streaming the frame buffers to stdin, and
// returns an error containing stderr output if the command fails.
func (e *FFmpegEncoder) runFFmpeg(ctx context.Context, args []string, frames []Frame) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("media: ffmpeg stdin: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("media: start ffmpeg: %w", err)
	}

	var writeErr error
	for i := range frames {
		if _, err := stdin.Write(frames[i].Pix); err != nil {
			writeErr = fmt.Errorf("media: write frame %d: %w", i, err)
			break
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("media: ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return writeErr
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
