package result

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanvideo/wan-inference-api/internal/job"
	"github.com/wanvideo/wan-inference-api/internal/params"
)

func packagedJob(t *testing.T) *job.Job {
	t.Helper()
	j := job.New()
	require.NoError(t, j.Validate(params.GenerationConfig{
		Mode:       params.ModeT2V,
		Prompt:     "a test",
		NumFrames:  17,
		Resolution: params.Resolution480p,
		Seed:       1234,
	}))
	return j
}

func TestPackage_RoundTrip(t *testing.T) {
	video := []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 'm', 'p', '4'}
	env := Package(packagedJob(t), video, 1500*time.Millisecond)

	decoded, err := base64.StdEncoding.DecodeString(env.Video)
	require.NoError(t, err)
	assert.Equal(t, video, decoded, "base64 round-trip must be byte-identical")
}

func TestPackage_EchoesConfig(t *testing.T) {
	env := Package(packagedJob(t), []byte("x"), 2*time.Second)

	assert.Equal(t, int64(1234), env.Seed)
	assert.Equal(t, "t2v", env.Mode)
	assert.Equal(t, "480p", env.Resolution)
	assert.Equal(t, 17, env.NumFrames)
	assert.Equal(t, 2.0, env.GenerationTimeSeconds)
	assert.Empty(t, env.Error)
	assert.Empty(t, env.ErrorCode)
}

func TestPackage_RoundsElapsed(t *testing.T) {
	env := Package(packagedJob(t), nil, 1234567*time.Microsecond)
	assert.Equal(t, 1.23, env.GenerationTimeSeconds)
}

func TestPackageError(t *testing.T) {
	j := packagedJob(t)
	_ = j.Fail("EXECUTION_TIMEOUT", "deadline exceeded")

	env := PackageError(j, "EXECUTION_TIMEOUT", "deadline exceeded")
	assert.Equal(t, "EXECUTION_TIMEOUT", env.ErrorCode)
	assert.Equal(t, "deadline exceeded", env.Error)
	assert.Empty(t, env.Video)
	// Config still echoed for a job that failed after validation.
	assert.Equal(t, "t2v", env.Mode)
	assert.Equal(t, int64(1234), env.Seed)
}

func TestPackageError_BeforeValidation(t *testing.T) {
	j := job.New()
	_ = j.Fail("MISSING_FIELD", "prompt is required")

	env := PackageError(j, "MISSING_FIELD", "prompt is required")
	assert.Equal(t, "MISSING_FIELD", env.ErrorCode)
	assert.Empty(t, env.Mode)
}
