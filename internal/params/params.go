// Package params provides request parameter validation and normalization for
// video generation. Validate turns a raw wire request into a fully resolved
// GenerationConfig; no defaulting happens downstream of this package.
package params

import (
	"github.com/wanvideo/wan-inference-api/internal/media"
)

// Mode selects the generation pipeline family.
type Mode string

const (
	// ModeT2V is text-to-video generation.
	ModeT2V Mode = "t2v"
	// ModeI2V is image-to-video generation.
	ModeI2V Mode = "i2v"
)

// IsValid returns true if the mode is a supported pipeline family.
func (m Mode) IsValid() bool {
	return m == ModeT2V || m == ModeI2V
}

// Resolution is a supported output resolution tier.
type Resolution string

const (
	// Resolution480p renders at 848x480.
	Resolution480p Resolution = "480p"
	// Resolution720p renders at 1280x720.
	Resolution720p Resolution = "720p"
)

// Size returns the pixel dimensions for the resolution tier.
func (r Resolution) Size() (width, height int) {
	switch r {
	case Resolution720p:
		return 1280, 720
	default:
		return 848, 480
	}
}

// IsValid returns true if the resolution is a supported tier.
func (r Resolution) IsValid() bool {
	return r == Resolution480p || r == Resolution720p
}

// Defaults applied when a request omits optional fields.
const (
	DefaultNumFrames      = 49
	DefaultGuidanceScale  = 5.0
	DefaultInferenceSteps = 30
	DefaultResolution     = Resolution480p
	DefaultMode           = ModeT2V
)

// supportedFrameCounts is the set of frame counts the temporal layers of the
// model accept (4k+1 between 17 and 81). Requests outside it are rejected,
// never clamped.
var supportedFrameCounts = func() map[int]bool {
	set := make(map[int]bool)
	for n := 17; n <= 81; n += 4 {
		set[n] = true
	}
	return set
}()

// SupportedFrameCounts returns the accepted frame counts in ascending order.
func SupportedFrameCounts() []int {
	counts := make([]int, 0, len(supportedFrameCounts))
	for n := 17; n <= 81; n += 4 {
		counts = append(counts, n)
	}
	return counts
}

// IsSupportedFrameCount returns true if n is an accepted frame count.
func IsSupportedFrameCount(n int) bool {
	return supportedFrameCounts[n]
}

// Request is the raw generation request as received on the wire.
// Pointer fields distinguish "absent" from zero values.
type Request struct {
	// Mode is "t2v" or "i2v". Defaults to "t2v" when absent.
	Mode string `json:"mode" validate:"omitempty,oneof=t2v i2v"`
	// Prompt is the text description of the video. Required.
	Prompt string `json:"prompt" validate:"required"`
	// NegativePrompt describes what to avoid. Optional.
	NegativePrompt string `json:"negative_prompt"`
	// Image is the base64-encoded source image, required for i2v mode
	// and ignored for t2v. May carry a data-URI prefix.
	Image string `json:"image" validate:"required_if=Mode i2v"`
	// NumFrames must belong to the supported frame-count set.
	NumFrames *int `json:"num_frames" validate:"omitempty,framecount"`
	// Resolution is "480p" or "720p".
	Resolution string `json:"resolution" validate:"omitempty,oneof=480p 720p"`
	// GuidanceScale is the classifier-free guidance weight. Must be positive.
	GuidanceScale *float64 `json:"guidance_scale" validate:"omitempty,gt=0"`
	// NumInferenceSteps is the denoising step count. Must be positive.
	NumInferenceSteps *int `json:"num_inference_steps" validate:"omitempty,gt=0"`
	// Seed makes generation reproducible. Random 32-bit value when absent.
	Seed *int64 `json:"seed"`
}

// GenerationConfig is a validated, fully resolved generation request.
// Every field is explicitly set before it reaches the executor.
type GenerationConfig struct {
	Mode              Mode
	Prompt            string
	NegativePrompt    string
	SourceImage       *media.Frame // set iff Mode is i2v
	NumFrames         int
	Resolution        Resolution
	Width             int
	Height            int
	GuidanceScale     float64
	NumInferenceSteps int
	Seed              int64
}
