package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wanvideo/wan-inference-api/internal/executor"
	"github.com/wanvideo/wan-inference-api/internal/job"
	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/params"
	"github.com/wanvideo/wan-inference-api/internal/pipeline"
	"github.com/wanvideo/wan-inference-api/internal/result"
)

// stubPipe is a controllable Pipeline for tests.
type stubPipe struct {
	delay  time.Duration
	frames []media.Frame
	err    error
	calls  int
}

func (p *stubPipe) Generate(ctx context.Context, _ params.GenerationConfig) ([]media.Frame, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
		}
	}
	return p.frames, p.err
}

func (p *stubPipe) Close() error { return nil }

// stubLoader serves one pipe per load and can be scripted to fail.
type stubLoader struct {
	pipe    *stubPipe
	loadErr error
	loads   int
}

func (l *stubLoader) Load(_ context.Context, _ pipeline.Key) (pipeline.Pipeline, error) {
	l.loads++
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.pipe, nil
}

// mockEncoder implements media.Encoder for testing.
type mockEncoder struct {
	mock.Mock
}

func (m *mockEncoder) Encode(ctx context.Context, frames []media.Frame, fps int) ([]byte, error) {
	args := m.Called(ctx, frames, fps)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// mockStorage implements storage.Storage for testing.
type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) SaveVideo(ctx context.Context, name string, data io.Reader) (string, error) {
	args := m.Called(ctx, name, data)
	return args.String(0), args.Error(1)
}

func (m *mockStorage) PublishVideo(ctx context.Context, key string, data io.Reader) (string, error) {
	args := m.Called(ctx, key, data)
	return args.String(0), args.Error(1)
}

// mockNotifier implements webhook.Notifier for testing.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, url string, payload any) error {
	args := m.Called(ctx, url, payload)
	return args.Error(0)
}

type fixture struct {
	dispatcher *Dispatcher
	loader     *stubLoader
	encoder    *mockEncoder
	store      *mockStorage
	notifier   *mockNotifier
}

func newFixture(t *testing.T, pipe *stubPipe, opts ...Option) *fixture {
	t.Helper()
	loader := &stubLoader{pipe: pipe}
	enc := &mockEncoder{}
	store := &mockStorage{}
	notifier := &mockNotifier{}

	d := New(
		params.NewValidator(params.WithSeedFunc(func() int64 { return 777 })),
		pipeline.NewRegistry(loader, nil),
		executor.New(time.Second, nil),
		enc,
		store,
		notifier,
		nil,
		opts...,
	)
	return &fixture{dispatcher: d, loader: loader, encoder: enc, store: store, notifier: notifier}
}

func okFrames() []media.Frame {
	return []media.Frame{{Width: 2, Height: 2, Pix: make([]byte, 12)}}
}

func TestDispatch_SyncSuccess(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})
	video := []byte("encoded-mp4")
	f.encoder.On("Encode", mock.Anything, okFrames(), 16).Return(video, nil)

	req := Request{Input: params.Request{
		Mode:       "t2v",
		Prompt:     "a test",
		NumFrames:  intPtr(17),
		Resolution: "480p",
	}}

	j, err := f.dispatcher.Prepare(req)
	require.NoError(t, err)
	assert.Equal(t, job.StateValidated, j.State())

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StateEncoded, j.State())

	require.NoError(t, f.dispatcher.Deliver(context.Background(), j, env))
	assert.Equal(t, job.StateDelivered, j.State())

	// Envelope echoes the resolved config and carries the exact bytes.
	decoded, err := base64.StdEncoding.DecodeString(env.Video)
	require.NoError(t, err)
	assert.Equal(t, video, decoded)
	assert.Equal(t, int64(777), env.Seed)
	assert.Equal(t, "t2v", env.Mode)
	assert.Equal(t, "480p", env.Resolution)
	assert.Equal(t, 17, env.NumFrames)

	// No webhook: the notifier must not be touched.
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_ValidationFailureNeverLoads(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})

	j, err := f.dispatcher.Prepare(Request{Input: params.Request{
		Mode:   "i2v",
		Prompt: "smile",
		Image:  "not-base64",
	}})
	require.Error(t, err)

	ve, ok := params.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, params.CodeInvalidImage, ve.Code)
	assert.Equal(t, job.StateErrored, j.State())
	assert.Equal(t, 0, f.loader.loads, "no pipeline may be loaded for an invalid request")
}

func TestDispatch_GenerationFailureReleasesHandle(t *testing.T) {
	pipe := &stubPipe{err: errors.New("device lost")}
	f := newFixture(t, pipe)

	j, err := f.dispatcher.Prepare(Request{Input: params.Request{Prompt: "x"}})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.Error(t, err)
	assert.Equal(t, CodeGenerationFailure, env.ErrorCode)
	assert.Equal(t, job.StateErrored, j.State())
	assert.Equal(t, CodeGenerationFailure, j.ErrCode)

	// The handle was released: a new job can acquire the key immediately.
	pipe.err = nil
	pipe.frames = okFrames()
	f.encoder.On("Encode", mock.Anything, okFrames(), 16).Return([]byte("v"), nil)

	j2, err := f.dispatcher.Prepare(Request{Input: params.Request{Prompt: "y"}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.dispatcher.Execute(ctx, j2)
	require.NoError(t, err)
}

func TestDispatch_ExecutionTimeout(t *testing.T) {
	f := newFixture(t, &stubPipe{delay: 500 * time.Millisecond, frames: okFrames()})
	f.dispatcher.executor = executor.New(20*time.Millisecond, nil)

	j, err := f.dispatcher.Prepare(Request{Input: params.Request{Prompt: "x"}})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.Error(t, err)
	assert.Equal(t, CodeExecutionTimeout, env.ErrorCode)
}

func TestDispatch_ModelLoadError(t *testing.T) {
	f := newFixture(t, nil)
	f.loader.loadErr = errors.New("weights corrupt")

	j, err := f.dispatcher.Prepare(Request{Input: params.Request{Prompt: "x"}})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.Error(t, err)
	assert.Equal(t, CodeModelLoadError, env.ErrorCode)
}

func TestDispatch_EncodingError(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})
	f.encoder.On("Encode", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, media.ErrFrameMismatch)

	j, err := f.dispatcher.Prepare(Request{Input: params.Request{Prompt: "x"}})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.Error(t, err)
	assert.Equal(t, CodeEncodingError, env.ErrorCode)
}

func TestDispatch_PublishToS3(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})
	f.encoder.On("Encode", mock.Anything, mock.Anything, mock.Anything).Return([]byte("v"), nil)
	f.store.On("PublishVideo", mock.Anything, mock.Anything, mock.Anything).
		Return("https://bucket.s3.eu-west-1.amazonaws.com/x.mp4", nil)

	j, err := f.dispatcher.Prepare(Request{
		Input:    params.Request{Prompt: "x"},
		PushToS3: true,
	})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.Empty(t, env.Video, "published results are not inlined")
	assert.Equal(t, "https://bucket.s3.eu-west-1.amazonaws.com/x.mp4", env.VideoURL)
	f.store.AssertCalled(t, "PublishVideo", mock.Anything, j.ID+".mp4", mock.Anything)
}

func TestDispatch_WebhookDelivery(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})
	f.encoder.On("Encode", mock.Anything, mock.Anything, mock.Anything).Return([]byte("v"), nil)
	f.notifier.On("Notify", mock.Anything, "https://example.com/hook", mock.Anything).Return(nil)

	j, err := f.dispatcher.Prepare(Request{
		Input:   params.Request{Prompt: "x"},
		Webhook: "https://example.com/hook",
	})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Deliver(context.Background(), j, env))

	assert.Equal(t, job.StateDelivered, j.State())
	f.notifier.AssertCalled(t, "Notify", mock.Anything, "https://example.com/hook", env)
}

func TestDispatch_WebhookFailureMarksJob(t *testing.T) {
	f := newFixture(t, &stubPipe{frames: okFrames()})
	f.encoder.On("Encode", mock.Anything, mock.Anything, mock.Anything).Return([]byte("v"), nil)
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("endpoint unreachable"))

	j, err := f.dispatcher.Prepare(Request{
		Input:   params.Request{Prompt: "x"},
		Webhook: "https://example.com/hook",
	})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.NoError(t, err)
	require.Error(t, f.dispatcher.Deliver(context.Background(), j, env))

	assert.Equal(t, job.StateErrored, j.State())
	assert.Equal(t, CodeWebhookFailure, j.ErrCode)
}

func TestDispatch_ErrorEnvelopeDeliveredToWebhook(t *testing.T) {
	f := newFixture(t, &stubPipe{err: errors.New("boom")})
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	j, err := f.dispatcher.Prepare(Request{
		Input:   params.Request{Prompt: "x"},
		Webhook: "https://example.com/hook",
	})
	require.NoError(t, err)

	env, err := f.dispatcher.Execute(context.Background(), j)
	require.Error(t, err)
	require.NoError(t, f.dispatcher.Deliver(context.Background(), j, env))

	// Async callers hear about failures through the same envelope shape.
	var delivered result.Envelope
	for _, call := range f.notifier.Calls {
		delivered = call.Arguments.Get(2).(result.Envelope)
	}
	assert.Equal(t, CodeGenerationFailure, delivered.ErrorCode)
	assert.Equal(t, job.StateErrored, j.State())
}

func intPtr(n int) *int { return &n }
