package media

import "context"

// Devices is a capture backend. GetUserMedia returns a stream satisfying the
// profile or a *DeviceError describing why it could not.
type Devices interface {
	GetUserMedia(ctx context.Context, profile CaptureProfile) (*LocalStream, error)
}

// EnvironmentChecker is implemented by backends that can tell up front that
// capture is impossible (insecure origin, missing capability).
type EnvironmentChecker interface {
	Supported() error
}

// Sink is a local preview surface.
type Sink interface {
	Attach(stream *LocalStream) error
	Play(ctx context.Context, muted bool) error
	Detach()
}
