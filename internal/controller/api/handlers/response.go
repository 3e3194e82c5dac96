package handlers

import (
	"errors"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/service"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

// APIError is the custom error type for all API error responses.
// Implements huma.StatusError so huma serializes it as the response body.
type APIError struct {
	status  int
	Success bool   `json:"success"`
	Err     string `json:"error"`
}

func (e *APIError) Error() string  { return e.Err }
func (e *APIError) GetStatus() int { return e.status }

// InitErrors overrides huma's default error factory so all error responses
// use the unified {success, error} format.
func InitErrors() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		detail := msg
		if len(errs) > 0 {
			parts := make([]string, len(errs))
			for i, e := range errs {
				parts[i] = e.Error()
			}
			detail = msg + ": " + strings.Join(parts, "; ")
		}
		return &APIError{status: status, Success: false, Err: detail}
	}
}

// DataBody is the success response body containing data.
type DataBody[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

// DataOutput is the huma output wrapper for data responses.
type DataOutput[T any] struct {
	Body DataBody[T]
}

// OK creates a success response wrapping the given data.
func OK[T any](data T) *DataOutput[T] {
	return &DataOutput[T]{Body: DataBody[T]{Success: true, Data: data}}
}

// MsgBody is the success response body containing a message (no data).
type MsgBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MsgOutput is the huma output wrapper for message-only responses.
type MsgOutput struct {
	Body MsgBody
}

// Msg creates a success response with a message string.
func Msg(message string) *MsgOutput {
	return &MsgOutput{Body: MsgBody{Success: true, Message: message}}
}

// fail maps a service error onto an HTTP status. The body carries the same
// sentence the chat surface would reply with.
func fail(err error) error {
	msg := service.Message(err)
	switch {
	case errors.Is(err, service.ErrInvalidLink), errors.Is(err, service.ErrInvalidArgs):
		return huma.Error400BadRequest(msg)
	case errors.Is(err, job.ErrNotFound), errors.Is(err, feed.ErrNotFound), errors.Is(err, engine.ErrUnknownHandle):
		return huma.Error404NotFound(msg)
	case errors.Is(err, service.ErrFinished), errors.Is(err, service.ErrNotReady),
		errors.Is(err, job.ErrConflict), errors.Is(err, feed.ErrExists):
		return huma.Error409Conflict(msg)
	case errors.Is(err, engine.ErrNotConfigured), errors.Is(err, lock.ErrBusy),
		errors.Is(err, store.ErrUnavailable):
		return huma.Error503ServiceUnavailable(msg)
	}
	log.Error().Err(err).Msg("api request failed")
	return huma.Error500InternalServerError(msg)
}
