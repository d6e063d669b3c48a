package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/calmline/calmline/internal/inference"
)

// ErrNotConfigured is returned when the provider has no credentials.
var ErrNotConfigured = errors.New("provider: api key not configured")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Provider is the interface for upstream LLM providers.
type Provider interface {
	ChatCompletion(ctx context.Context, req *inference.Request) (*inference.Response, error)
}

type echoProvider struct{}

// NewEcho returns a provider that replies with a static supportive message.
// Used when running without upstream credentials.
func NewEcho() Provider {
	return &echoProvider{}
}

func (p *echoProvider) ChatCompletion(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	return &inference.Response{
		Text:         "Hey, I'm here with you! Tell me a bit more about how your day is going.",
		FinishReason: "STOP",
	}, nil
}
