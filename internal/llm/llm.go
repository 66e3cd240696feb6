// Package llm provides interfaces and implementations for streaming text-generation providers.
package llm

import (
	"context"
	"fmt"
)

// GenerateOptions configures a text-generation request.
type GenerateOptions struct {
	// MaxNewTokens limits the number of generated tokens.
	MaxNewTokens int

	// DoSample enables sampling instead of greedy decoding.
	DoSample bool

	// Temperature controls randomness in sampling.
	Temperature float64

	// TopP is the nucleus sampling probability mass.
	TopP float64

	// TopK limits sampling to the K most likely tokens.
	TopK int
}

// Token is a single fragment of generated text.
type Token struct {
	ID      int
	Text    string
	Logprob float64
	Special bool
}

// Stream delivers generated tokens in order. Recv returns io.EOF once the
// provider has finished. Close releases the underlying connection and may be
// called at any point, including more than once.
type Stream interface {
	Recv() (Token, error)
	Close() error
}

// Provider defines the interface for streaming text-generation backends.
type Provider interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// GenerateStream opens one streaming generation request for an already
	// formatted prompt.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (Stream, error)
}

// APIError is returned when a provider rejects a request or reports a
// failure in the middle of a stream.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		if e.Type != "" {
			return fmt.Sprintf("%s stream error (%s): %s", e.Provider, e.Type, e.Message)
		}
		return fmt.Sprintf("%s stream error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}
