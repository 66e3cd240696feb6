// Package relay opens one streaming generation per request and turns the
// provider's token fragments into a lazy sequence of growing transcripts.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knoguchi/instchat/internal/llm"
	"github.com/knoguchi/instchat/internal/prompt"
)

const (
	// DefaultMaxNewTokens is the default ceiling for Sampling.MaxNewTokens.
	DefaultMaxNewTokens = 4096

	// EOSMarker ends the model's sequence.
	EOSMarker = "</s>"

	// EOTMarker ends the model's turn.
	EOTMarker = "<EOT>"
)

var (
	// ErrInvalidParameter is returned before any request is issued when the
	// sampling parameters are out of range.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConsumed is yielded when a sequence is iterated a second time.
	ErrConsumed = errors.New("generation already consumed")
)

// Sampling holds the per-call generation parameters.
type Sampling struct {
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	TopK         int     `json:"top_k,omitempty"`
}

// Request is one generation call.
type Request struct {
	Message      string
	History      []prompt.Turn
	SystemPrompt string
	Sampling     Sampling
}

// Relay issues generation requests against a single provider.
type Relay struct {
	provider     llm.Provider
	maxNewTokens int
	stopMarkers  []string
	logger       *slog.Logger
}

// Option is a functional option for configuring Relay.
type Option func(*Relay)

// WithMaxNewTokens sets the ceiling for Sampling.MaxNewTokens.
func WithMaxNewTokens(ceiling int) Option {
	return func(r *Relay) {
		r.maxNewTokens = ceiling
	}
}

// WithStopMarkers replaces the markers that end a generated turn.
func WithStopMarkers(markers ...string) Option {
	return func(r *Relay) {
		r.stopMarkers = markers
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a Relay for provider.
func New(provider llm.Provider, opts ...Option) *Relay {
	r := &Relay{
		provider:     provider,
		maxNewTokens: DefaultMaxNewTokens,
		stopMarkers:  []string{EOSMarker, EOTMarker},
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MaxNewTokens returns the configured ceiling.
func (r *Relay) MaxNewTokens() int {
	return r.maxNewTokens
}

// Validate checks s against the relay's limits.
func (r *Relay) Validate(s Sampling) error {
	switch {
	case s.MaxNewTokens > r.maxNewTokens:
		return fmt.Errorf("%w: max_new_tokens %d exceeds %d", ErrInvalidParameter, s.MaxNewTokens, r.maxNewTokens)
	case s.MaxNewTokens < 1:
		return fmt.Errorf("%w: max_new_tokens must be positive", ErrInvalidParameter)
	case s.Temperature <= 0:
		return fmt.Errorf("%w: temperature must be positive", ErrInvalidParameter)
	case s.TopP <= 0 || s.TopP > 1:
		return fmt.Errorf("%w: top_p must be in (0, 1]", ErrInvalidParameter)
	case s.TopK < 1:
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidParameter)
	}
	return nil
}

// Generate validates req and returns a sequence of accumulated responses.
//
// No request is issued until the sequence is pulled. Each yielded string
// extends the previous one by exactly one fragment. The sequence ends when
// the provider stream is exhausted or a fragment contains a stop marker; that
// fragment is never emitted. A provider error is yielded once, unchanged,
// and ends the sequence. The provider stream is closed on every exit path,
// including the caller breaking out of the loop. The sequence may only be
// iterated once.
func (r *Relay) Generate(ctx context.Context, req Request) (iter.Seq2[string, error], error) {
	if err := r.Validate(req.Sampling); err != nil {
		return nil, err
	}

	text := prompt.Build(req.Message, req.History, req.SystemPrompt)
	opts := llm.GenerateOptions{
		MaxNewTokens: req.Sampling.MaxNewTokens,
		DoSample:     true,
		Temperature:  req.Sampling.Temperature,
		TopP:         req.Sampling.TopP,
		TopK:         req.Sampling.TopK,
	}

	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrConsumed)
			return
		}
		r.stream(ctx, text, opts, len(req.History), yield)
	}, nil
}

func (r *Relay) stream(ctx context.Context, text string, opts llm.GenerateOptions, turns int, yield func(string, error) bool) {
	start := time.Now()
	r.logger.Debug("opening generation stream",
		"provider", r.provider.Name(),
		"history_turns", turns,
		"prompt_chars", len(text),
		"max_new_tokens", opts.MaxNewTokens,
	)

	stream, err := r.provider.GenerateStream(ctx, text, opts)
	if err != nil {
		yield("", err)
		return
	}
	defer stream.Close()

	var output strings.Builder
	fragments := 0
	reason := "eos"
	defer func() {
		r.logger.Debug("generation stream closed",
			"provider", r.provider.Name(),
			"fragments", fragments,
			"chars", output.Len(),
			"reason", reason,
			"duration", time.Since(start),
		)
	}()

	for {
		tok, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			reason = "error"
			yield("", err)
			return
		}

		if r.isStop(tok.Text) {
			reason = "stop_marker"
			return
		}

		output.WriteString(tok.Text)
		fragments++
		if !yield(output.String(), nil) {
			reason = "caller"
			return
		}
	}
}

func (r *Relay) isStop(text string) bool {
	for _, marker := range r.stopMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
