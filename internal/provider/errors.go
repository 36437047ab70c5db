package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
)

// Error is a provider failure classified into the canonical taxonomy.
type Error struct {
	Kind       chat.ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps any error returned while talking to a provider to an
// ErrorKind.
func Classify(err error) chat.ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return chat.ErrConnectionFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return chat.ErrConnectionFailure
	}
	return chat.ErrUnknown
}

// statusError classifies a non-2xx HTTP response.
func statusError(status int, body string) *Error {
	return &Error{
		Kind:       classifyStatus(status, body),
		StatusCode: status,
		Message:    strings.TrimSpace(body),
	}
}

func classifyStatus(status int, body string) chat.ErrorKind {
	lower := strings.ToLower(body)
	switch status {
	case http.StatusTooManyRequests:
		return chat.ErrRateLimited
	case http.StatusNotFound:
		return chat.ErrInvalidModel
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		if mentionsMissingModel(lower) {
			return chat.ErrInvalidModel
		}
		return chat.ErrBadRequest
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return chat.ErrConnectionFailure
	default:
		return chat.ErrUnknown
	}
}

func mentionsMissingModel(body string) bool {
	if !strings.Contains(body, "model") {
		return false
	}
	for _, marker := range []string{"does not exist", "not found", "model_not_found", "invalid model", "unknown model"} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
