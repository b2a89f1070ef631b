package gerror

import (
	"errors"
	"net/http"
)

// Error codes map onto the seven error kinds the orchestration runtime
// distinguishes: a caller submitted something wrong (ValidationError), the
// dispatcher couldn't reach a queue (DispatchError), a handler threw
// (HandlerError), a timer fired before completion (TimeoutError), an id or
// token didn't resolve (NotFoundError), a state transition wasn't legal
// (ConflictError), or storage itself failed (InternalError).
const (
	ErrCodeInternal         Code = "Internal"
	ErrCodeValidationFailed Code = "ValidationFailed"
	ErrCodeDispatchFailed   Code = "DispatchFailed"
	ErrCodeHandlerFailed    Code = "HandlerFailed"
	ErrCodeTimeout          Code = "Timeout"
	ErrCodeNotFound         Code = "NotFound"
	ErrCodeConflict         Code = "Conflict"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

// FirstExternal walks the error chain and returns the first Error with
// AudienceExternal, or nil if none is found.
func FirstExternal(err error) *Error {
	for err != nil {
		var gErr Error
		if errors.As(err, &gErr) {
			if gErr.Audience() == AudienceExternal {
				return &gErr
			}
			err = gErr.Unwrap()
			continue
		}
		break
	}
	return nil
}

func NewErrInternal(message string, inner error) Error {
	if message == "" {
		message = "An internal server error occurred"
	}
	return NewError(message, AudienceInternal, ErrCodeInternal, http.StatusInternalServerError, inner)
}

func ToInternal(err error) *Error { return ToError(err, ErrCodeInternal) }
func IsInternal(err error) bool   { return ToInternal(err) != nil }

// NewErrValidationFailed reports a malformed plan or bad request input; the
// run is never started.
func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, http.StatusBadRequest, nil)
}

func ToValidationFailed(err error) *Error { return ToError(err, ErrCodeValidationFailed) }
func IsValidationFailed(err error) bool   { return ToValidationFailed(err) != nil }

// NewErrDispatchFailed reports a queue that could not be reached, or a
// workerId with no configured queue URL mapping.
func NewErrDispatchFailed(message string, inner error) Error {
	return NewError(message, AudienceInternal, ErrCodeDispatchFailed, http.StatusBadGateway, inner)
}

func ToDispatchFailed(err error) *Error { return ToError(err, ErrCodeDispatchFailed) }
func IsDispatchFailed(err error) bool   { return ToDispatchFailed(err) != nil }

// NewErrHandlerFailed wraps a panic/error raised by a worker or agent
// handler body.
func NewErrHandlerFailed(message string, inner error) Error {
	return NewError(message, AudienceExternal, ErrCodeHandlerFailed, http.StatusUnprocessableEntity, inner)
}

func ToHandlerFailed(err error) *Error { return ToError(err, ErrCodeHandlerFailed) }
func IsHandlerFailed(err error) bool   { return ToHandlerFailed(err) != nil }

// NewErrTimeout reports a hook, sleep, workerPoll, or plan timeout being
// exceeded.
func NewErrTimeout(description string) Error {
	return NewError("Timeout: "+description, AudienceExternal, ErrCodeTimeout, http.StatusGatewayTimeout, nil)
}

func ToTimeout(err error) *Error { return ToError(err, ErrCodeTimeout) }
func IsTimeout(err error) bool   { return ToTimeout(err) != nil }

// NewErrNotFound reports an unknown run id, job id, or unmatched signal
// token.
func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, http.StatusNotFound, nil)
}

func ToNotFound(err error) *Error { return ToError(err, ErrCodeNotFound) }
func IsNotFound(err error) bool   { return ToNotFound(err) != nil }

// NewErrConflict reports an illegal state transition: resuming a run that
// isn't paused, or mutating a terminal run/job.
func NewErrConflict(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeConflict, http.StatusConflict, nil)
}

func ToConflict(err error) *Error { return ToError(err, ErrCodeConflict) }
func IsConflict(err error) bool   { return ToConflict(err) != nil }
