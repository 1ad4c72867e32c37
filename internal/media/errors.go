package media

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "carelink/pkg/errors"
)

var (
	ErrReleased          = errors.New("media released during acquisition")
	ErrRetryInProgress   = errors.New("media retry already in progress")
	ErrAcquireInProgress = errors.New("media acquisition already in progress")
	ErrTrackStopped      = errors.New("track stopped")
	ErrNoDevices         = errors.New("no capture backend available")
	ErrInvalidLadder     = errors.New("invalid capture profile ladder")
)

// Kind classifies why local media could not be obtained.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceBusy
	KindNoDeviceAvailable
	KindUnsupportedEnvironment
	KindConstraintsUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceBusy:
		return "device_busy"
	case KindNoDeviceAvailable:
		return "no_device_available"
	case KindUnsupportedEnvironment:
		return "unsupported_environment"
	case KindConstraintsUnsupported:
		return "constraints_unsupported"
	default:
		return "unknown"
	}
}

// UserMessage is the copy shown to the participant for this kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindPermissionDenied:
		return "Camera and microphone access was denied. Allow access in your browser or system settings, then try again."
	case KindDeviceBusy:
		return "Your camera or microphone is being used by another application. Close it and try again."
	case KindNoDeviceAvailable:
		return "No camera or microphone was found. Connect a device and try again."
	case KindUnsupportedEnvironment:
		return "This device or connection does not support video calls. Use a secure connection and a supported browser."
	case KindConstraintsUnsupported:
		return "Your camera does not support the requested video quality."
	default:
		return "Something went wrong while starting your camera."
	}
}

// Retryable reports whether the participant can fix the problem and retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindPermissionDenied, KindDeviceBusy, KindNoDeviceAvailable:
		return true
	}
	return false
}

func (k Kind) code() apperrors.ErrorCode {
	switch k {
	case KindPermissionDenied:
		return apperrors.ErrCodePermissionDenied
	case KindDeviceBusy:
		return apperrors.ErrCodeDeviceBusy
	case KindNoDeviceAvailable:
		return apperrors.ErrCodeNoDeviceAvailable
	case KindUnsupportedEnvironment:
		return apperrors.ErrCodeUnsupportedEnvironment
	case KindConstraintsUnsupported:
		return apperrors.ErrCodeConstraintsUnsupported
	default:
		return apperrors.ErrCodeInternal
	}
}

// MediaError is the only error shape callers of Acquire need to inspect.
type MediaError struct {
	Kind    Kind
	Profile string
	Cause   error
}

func (e *MediaError) Error() string {
	msg := "media " + e.Kind.String()
	if e.Profile != "" {
		msg += fmt.Sprintf(" (profile %s)", e.Profile)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MediaError) Unwrap() error {
	return e.Cause
}

func (e *MediaError) AppError() *apperrors.AppError {
	status := http.StatusServiceUnavailable
	if e.Kind == KindPermissionDenied {
		status = http.StatusForbidden
	}
	return apperrors.WrapError(e.Cause, e.Kind.code(), e.Kind.UserMessage(), status).
		WithContext("profile", e.Profile).
		WithContext("retryable", e.Kind.Retryable())
}

// DeviceError is a raw failure reported by a capture backend. Name follows the
// DOMException names used by getUserMedia so browser-side errors can be relayed as is.
type DeviceError struct {
	Name    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Classify maps a raw capture error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var merr *MediaError
	if errors.As(err, &merr) {
		return merr.Kind
	}
	if errors.Is(err, ErrNoDevices) {
		return KindUnsupportedEnvironment
	}

	var derr *DeviceError
	if !errors.As(err, &derr) {
		return KindNoDeviceAvailable
	}

	switch derr.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return KindPermissionDenied
	case "NotReadableError", "TrackStartError", "AbortError":
		return KindDeviceBusy
	case "NotFoundError", "DevicesNotFoundError":
		return KindNoDeviceAvailable
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return KindConstraintsUnsupported
	case "TypeError", "NotSupportedError":
		return KindUnsupportedEnvironment
	default:
		return KindNoDeviceAvailable
	}
}
