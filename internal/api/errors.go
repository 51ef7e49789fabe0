package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/etrt/pkg/rt"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusOf maps runtime errors onto HTTP status codes and error types.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, rt.ErrInvalidArgument),
		errors.Is(err, rt.ErrInvalidAddress),
		errors.Is(err, rt.ErrBufferTooSmall):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, rt.ErrInvalidHandle), errors.Is(err, rt.ErrInvalidDevice):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, rt.ErrKernelLoading), errors.Is(err, rt.ErrP2PDisabled):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, rt.ErrOutOfMemory), errors.Is(err, rt.ErrTooManyHandles):
		return http.StatusInsufficientStorage, "resource_error"
	case errors.Is(err, rt.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
