// Package result builds the response envelope returned to callers and posted
// to webhooks.
package result

import (
	"encoding/base64"
	"math"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/job"
)

// Envelope is the wire-format result of one generation job. The same shape is
// used for synchronous responses and webhook deliveries; errors reuse it with
// the error fields set instead of the payload.
type Envelope struct {
	// JobID identifies the job the envelope belongs to.
	JobID string `json:"id,omitempty"`
	// Video is the base64-encoded MP4, present unless the result was
	// published to object storage.
	Video string `json:"video,omitempty"`
	// VideoURL is the public location of the MP4 when published.
	VideoURL string `json:"video_url,omitempty"`
	// Seed is the seed actually used, echoed for reproducibility.
	Seed int64 `json:"seed"`
	// Mode, Resolution and NumFrames echo the resolved config.
	Mode       string `json:"mode"`
	Resolution string `json:"resolution"`
	NumFrames  int    `json:"num_frames"`
	// GenerationTimeSeconds is the elapsed wall-clock generation time.
	GenerationTimeSeconds float64 `json:"generation_time_seconds"`

	// Error and ErrorCode are set instead of the payload on failure.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Package wraps encoder output and metadata into the success envelope,
// base64-encoding the video bytes for wire transport.
func Package(j *job.Job, video []byte, elapsed time.Duration) Envelope {
	return Envelope{
		JobID:                 j.ID,
		Video:                 base64.StdEncoding.EncodeToString(video),
		Seed:                  j.Config.Seed,
		Mode:                  string(j.Config.Mode),
		Resolution:            string(j.Config.Resolution),
		NumFrames:             j.Config.NumFrames,
		GenerationTimeSeconds: roundSeconds(elapsed),
	}
}

// PackageError builds the failure envelope for a job.
func PackageError(j *job.Job, code, msg string) Envelope {
	env := Envelope{
		JobID:     j.ID,
		Error:     msg,
		ErrorCode: code,
	}
	// Echo the config when validation got far enough to resolve it.
	if j.State() != job.StateReceived && j.Config.Mode != "" {
		env.Seed = j.Config.Seed
		env.Mode = string(j.Config.Mode)
		env.Resolution = string(j.Config.Resolution)
		env.NumFrames = j.Config.NumFrames
	}
	return env
}

// roundSeconds converts a duration to seconds with two decimal places.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
