package negotiation

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "carelink/pkg/errors"
)

var (
	ErrNoConnection      = errors.New("no peer connection")
	ErrClosed            = errors.New("negotiator closed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoLocalMedia      = errors.New("local media not ready")
	ErrRoleReassigned    = errors.New("negotiation role already assigned")
)

type ErrorKind int

const (
	OfferCreationFailed ErrorKind = iota + 1
	AnswerCreationFailed
	RemoteDescriptionRejected
	CandidateApplicationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case OfferCreationFailed:
		return "offer_creation_failed"
	case AnswerCreationFailed:
		return "answer_creation_failed"
	case RemoteDescriptionRejected:
		return "remote_description_rejected"
	case CandidateApplicationFailed:
		return "candidate_application_failed"
	default:
		return "unknown"
	}
}

func (k ErrorKind) code() apperrors.ErrorCode {
	switch k {
	case OfferCreationFailed:
		return apperrors.ErrCodeOfferCreationFailed
	case AnswerCreationFailed:
		return apperrors.ErrCodeAnswerCreationFailed
	case RemoteDescriptionRejected:
		return apperrors.ErrCodeRemoteDescriptionRejected
	case CandidateApplicationFailed:
		return apperrors.ErrCodeCandidateApplicationFailed
	default:
		return apperrors.ErrCodeInternal
	}
}

// NegotiationError reports a failed offer/answer step. It is never retried
// automatically.
type NegotiationError struct {
	Kind  ErrorKind
	Cause error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Kind, e.Cause)
}

func (e *NegotiationError) Unwrap() error {
	return e.Cause
}

func (e *NegotiationError) AppError() *apperrors.AppError {
	return apperrors.WrapError(e.Cause, e.Kind.code(), e.Kind.String(), http.StatusBadGateway)
}

// ConnectionError is terminal: the restart budget is spent and the connection
// stays failed until torn down.
type ConnectionError struct {
	Attempts int
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection lost after %d restart attempts", e.Attempts)
}

func (e *ConnectionError) AppError() *apperrors.AppError {
	return apperrors.NewAppError(apperrors.ErrCodeConnectionLost,
		"The connection could not be restored. End the session and start again.",
		http.StatusServiceUnavailable).
		WithContext("restart_attempts", e.Attempts)
}

// IsConnectionLost reports whether err carries a terminal ConnectionError.
func IsConnectionLost(err error) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr)
}

// TransitionError is returned when an operation is not accepted in the current state.
type TransitionError struct {
	State State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Event, e.State)
}

func (e *TransitionError) Unwrap() error {
	if e.State == StateClosed {
		return ErrClosed
	}
	return ErrInvalidTransition
}
