package webchat

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/persistence/chatstore"
	"github.com/go-go-golems/switchboard/pkg/provider"
	"github.com/go-go-golems/switchboard/pkg/ratelimit"
)

type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindProviderError       ErrorKind = "provider_error"
	KindCancelled           ErrorKind = "cancelled"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindNotFound            ErrorKind = "not_found"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindInternal            ErrorKind = "internal"
)

const generationFailedText = "An error occurred while generating the response."

var (
	ErrCancelled   = errors.New("generation cancelled")
	ErrNotOwner    = errors.New("conversation belongs to another user")
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrShuttingDown rejects streams started after Wait.
	ErrShuttingDown = errors.New("chat service shutting down")
)

// UserError is the client-safe rendition of a failure: a stable kind and a
// message that never includes provider or storage internals.
type UserError struct {
	Kind              ErrorKind
	Message           string
	RetryAfterSeconds int
	Remaining         int
	cause             error
}

func (e *UserError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UserError) Unwrap() error { return e.cause }

func newUserError(kind ErrorKind, msg string, cause error) *UserError {
	return &UserError{Kind: kind, Message: msg, cause: cause}
}

// Classify maps any pipeline error to a UserError.
func Classify(err error) *UserError {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	if de, ok := ratelimit.IsDenied(err); ok {
		return &UserError{
			Kind:              KindRateLimited,
			Message:           fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", de.RetryAfterSeconds()),
			RetryAfterSeconds: de.RetryAfterSeconds(),
			Remaining:         de.Remaining,
			cause:             err,
		}
	}
	switch {
	case errors.Is(err, ErrShuttingDown):
		return newUserError(KindProviderUnavailable, "Server is shutting down. Please retry.", err)
	case errors.Is(err, ErrCancelled):
		return newUserError(KindCancelled, "Generation cancelled.", err)
	case errors.Is(err, provider.ErrProviderUnavailable):
		return newUserError(KindProviderUnavailable, provider.ApologyText, err)
	case errors.Is(err, provider.ErrUnknownModel):
		return newUserError(KindInvalidRequest, "Unknown model.", err)
	case errors.Is(err, provider.ErrContextExhausted):
		return newUserError(KindInvalidRequest, "Message is too long for the selected model.", err)
	case errors.Is(err, ErrEmptyPrompt):
		return newUserError(KindInvalidRequest, "Message content is required.", err)
	case errors.Is(err, chatstore.ErrConversationNotFound), errors.Is(err, ErrNotOwner):
		return newUserError(KindNotFound, "Chat not found.", err)
	case errors.Is(err, provider.ErrFamilyNotConfigured):
		return newUserError(KindProviderUnavailable, generationFailedText, err)
	}
	if provider.IsTransient(err) {
		return newUserError(KindProviderUnavailable, generationFailedText, err)
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return newUserError(KindProviderError, generationFailedText, err)
	}
	return newUserError(KindInternal, generationFailedText, err)
}
