package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"carelink/pkg/tracing"

	"go.uber.org/zap"
)

// State is a snapshot of local media.
type State struct {
	Stream        *LocalStream
	Profile       string
	CameraEnabled bool
	MicEnabled    bool
	Failed        bool
	Err           *MediaError
}

// Metrics receives acquisition outcomes.
type Metrics interface {
	MediaAttempt(profile string, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) MediaAttempt(string, string) {}

// Acquirer obtains local camera and microphone tracks by walking a constraint
// ladder, and owns the resulting stream until Release.
type Acquirer struct {
	devices Devices
	ladder  Ladder
	sink    Sink
	logger  *zap.SugaredLogger
	metrics Metrics

	mu        sync.Mutex
	state     State
	gen       uint64
	acquiring bool
	retrying  atomic.Bool
}

type AcquirerOption func(*Acquirer)

// WithSink binds acquired streams to a preview surface.
func WithSink(s Sink) AcquirerOption {
	return func(a *Acquirer) { a.sink = s }
}

func WithLogger(l *zap.SugaredLogger) AcquirerOption {
	return func(a *Acquirer) { a.logger = l }
}

func WithMetrics(m Metrics) AcquirerOption {
	return func(a *Acquirer) { a.metrics = m }
}

// NewAcquirer creates an Acquirer. An invalid or empty ladder is replaced by DefaultLadder.
func NewAcquirer(devices Devices, ladder Ladder, opts ...AcquirerOption) *Acquirer {
	if ladder.Validate() != nil {
		ladder = DefaultLadder()
	}
	a := &Acquirer{
		devices: devices,
		ladder:  ladder,
		logger:  zap.NewNop().Sugar(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire returns the held stream, or walks the ladder to capture one. The
// returned error is a *MediaError, ErrReleased if Release ran meanwhile, or the
// context error.
func (a *Acquirer) Acquire(ctx context.Context) (*LocalStream, error) {
	a.mu.Lock()
	if a.state.Stream != nil {
		s := a.state.Stream
		a.mu.Unlock()
		return s, nil
	}
	if a.acquiring {
		a.mu.Unlock()
		return nil, ErrAcquireInProgress
	}
	a.acquiring = true
	gen := a.gen
	a.mu.Unlock()

	stream, profile, err := a.walkLadder(ctx)
	if err == nil {
		a.bindPreview(ctx, stream)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquiring = false

	if gen != a.gen {
		if stream != nil {
			stream.stop()
			a.detachPreview()
		}
		a.logger.Infow("media released during acquisition, stopping late stream")
		return nil, ErrReleased
	}

	if err != nil {
		var merr *MediaError
		if errors.As(err, &merr) {
			a.state = State{Failed: true, Err: merr}
		}
		return nil, err
	}

	a.state = State{
		Stream:        stream,
		Profile:       profile,
		CameraEnabled: stream.HasVideo(),
		MicEnabled:    stream.HasAudio(),
	}
	a.logger.Infow("local media acquired",
		"profile", profile,
		"stream_id", stream.ID(),
		"audio", stream.HasAudio(),
		"video", stream.HasVideo(),
	)
	return stream, nil
}

func (a *Acquirer) walkLadder(ctx context.Context) (*LocalStream, string, error) {
	if a.devices == nil {
		return nil, "", &MediaError{Kind: KindUnsupportedEnvironment, Cause: ErrNoDevices}
	}
	if checker, ok := a.devices.(EnvironmentChecker); ok {
		if err := checker.Supported(); err != nil {
			return nil, "", &MediaError{Kind: KindUnsupportedEnvironment, Cause: err}
		}
	}

	var (
		last    *MediaError
		uniform = true
	)
	for _, profile := range a.ladder {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		attemptCtx, span := tracing.TraceMediaAttempt(ctx, profile.Name)
		stream, err := a.devices.GetUserMedia(attemptCtx, profile)
		if err == nil {
			span.End()
			a.metrics.MediaAttempt(profile.Name, "acquired")
			return stream, profile.Name, nil
		}
		tracing.RecordError(attemptCtx, err)
		span.End()

		kind := Classify(err)
		a.metrics.MediaAttempt(profile.Name, kind.String())
		a.logger.Warnw("capture profile rejected",
			"profile", profile.String(),
			"kind", kind.String(),
			"error", err,
		)

		merr := &MediaError{Kind: kind, Profile: profile.Name, Cause: err}
		if kind == KindPermissionDenied {
			return nil, "", merr
		}
		if last != nil && last.Kind != kind {
			uniform = false
		}
		last = merr
	}

	if last == nil {
		return nil, "", &MediaError{Kind: KindNoDeviceAvailable, Cause: ErrNoDevices}
	}

	// Weaker constraints cannot help a busy device or an unsupported runtime,
	// so a ladder that failed the same way throughout keeps that kind.
	if uniform && (last.Kind == KindDeviceBusy || last.Kind == KindUnsupportedEnvironment) {
		return nil, "", last
	}
	return nil, "", &MediaError{Kind: KindNoDeviceAvailable, Profile: last.Profile, Cause: last}
}

func (a *Acquirer) bindPreview(ctx context.Context, stream *LocalStream) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Attach(stream); err != nil {
		a.logger.Warnw("failed to attach preview", "error", err)
		return
	}
	// Autoplay may be blocked; the call continues without a local preview.
	if err := a.sink.Play(ctx, true); err != nil {
		a.logger.Warnw("preview playback blocked", "error", err)
	}
}

func (a *Acquirer) detachPreview() {
	if a.sink != nil {
		a.sink.Detach()
	}
}

// Release stops every track. It is idempotent and may run while Acquire is in
// flight, in which case the late stream is stopped on arrival.
func (a *Acquirer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	stream := a.state.Stream
	a.state = State{}
	if stream == nil {
		return
	}
	stream.stop()
	a.detachPreview()
	a.logger.Infow("local media released", "stream_id", stream.ID())
}

// Retry re-runs Acquire. Overlapping retries fail fast with ErrRetryInProgress.
func (a *Acquirer) Retry(ctx context.Context) (*LocalStream, error) {
	if !a.retrying.CompareAndSwap(false, true) {
		return nil, ErrRetryInProgress
	}
	defer a.retrying.Store(false)
	return a.Acquire(ctx)
}

// ToggleCamera flips the video tracks' enabled flag and returns the new value.
func (a *Acquirer) ToggleCamera() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Stream == nil || !a.state.Stream.HasVideo() {
		return false
	}
	a.state.CameraEnabled = !a.state.CameraEnabled
	for _, t := range a.state.Stream.VideoTracks() {
		t.setEnabled(a.state.CameraEnabled)
	}
	return a.state.CameraEnabled
}

// ToggleMicrophone flips the audio tracks' enabled flag and returns the new value.
func (a *Acquirer) ToggleMicrophone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Stream == nil || !a.state.Stream.HasAudio() {
		return false
	}
	a.state.MicEnabled = !a.state.MicEnabled
	for _, t := range a.state.Stream.AudioTracks() {
		t.setEnabled(a.state.MicEnabled)
	}
	return a.state.MicEnabled
}

func (a *Acquirer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
