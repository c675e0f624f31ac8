// Package provider sends queries to upstream AI completion providers.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/relay/pkg/models"
)

var (
	// ErrProviderTimeout is returned when a dispatch exceeds its deadline.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderError is matched by every *Error.
	ErrProviderError = errors.New("provider error")
	// ErrUnknownProvider is returned for ids with no configuration.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Response is a completed upstream answer.
type Response struct {
	Payload json.RawMessage
	Cost    float64
	Model   string
	Usage   *models.Usage
}

// Dispatcher sends a query to one provider.
type Dispatcher interface {
	Send(ctx context.Context, providerID, query string) (Response, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, providerID, query string) (Response, error)

// Send calls f.
func (f DispatchFunc) Send(ctx context.Context, providerID, query string) (Response, error) {
	return f(ctx, providerID, query)
}

// Error is an upstream failure. StatusCode is 0 for transport errors.
type Error struct {
	ProviderID string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("provider %s returned %d: %s", e.ProviderID, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("provider %s: %v", e.ProviderID, e.Err)
	default:
		return fmt.Sprintf("provider %s failed", e.ProviderID)
	}
}

// Is matches ErrProviderError.
func (e *Error) Is(target error) bool { return target == ErrProviderError }

func (e *Error) Unwrap() error { return e.Err }
