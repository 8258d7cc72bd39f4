package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/switchboard/pkg/models"
)

var (
	ErrUnknownModel        = errors.New("unknown model")
	ErrFamilyNotConfigured = errors.New("provider family not configured")
	ErrContextExhausted    = errors.New("no history fits the model context")
	// ErrProviderUnavailable ends streams that degraded after retries ran out.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// APIError is a failure reported by a provider over HTTP.
type APIError struct {
	Family     models.Family
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s api error %d (%s): %s", e.Family, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s api error %d: %s", e.Family, e.StatusCode, e.Message)
}

// Transient reports whether the status is worth retrying: rate limiting,
// server errors and overload.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.Type == "overloaded_error":
		return true
	}
	return false
}

// IsTransient classifies err for the retry loop. Network failures, timeouts
// and retryable provider statuses are transient; caller cancellation and
// everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnknownModel) || errors.Is(err, ErrFamilyNotConfigured) || errors.Is(err, ErrContextExhausted) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if mapped := fromOpenAIError(err); mapped != nil {
		return mapped.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// fromOpenAIError maps go-openai error types onto APIError.
func fromOpenAIError(err error) *APIError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Family:     models.FamilyOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{
			Family:     models.FamilyOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
		}
	}
	return nil
}
