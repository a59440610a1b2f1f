package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-groupchat/internal/apperror"
)

type ApiError struct {
	StatusCode int        `json:"-"`
	Message    string     `json:"message"`
	RetryAt    *time.Time `json:"retryAt,omitempty"`
	Err        error      `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

// NewApiError converts a domain error into its response.
func NewApiError(err error) *ApiError {
	appErr := apperror.From(err)
	return &ApiError{
		StatusCode: apperror.StatusCode(appErr),
		Message:    appErr.Message,
		RetryAt:    appErr.RetryAt,
		Err:        appErr.Err,
	}
}

func NewBadRequestError(msg string) *ApiError {
	if msg == "" {
		msg = lower(http.StatusText(http.StatusBadRequest))
	}
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    msg,
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}
