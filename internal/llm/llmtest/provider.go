// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"io"
	"sync"

	"github.com/knoguchi/instchat/internal/llm"
)

// Call records one GenerateStream invocation.
type Call struct {
	Prompt  string
	Options llm.GenerateOptions
}

// Provider replays fragments for every call and records what it was asked.
type Provider struct {
	mu        sync.Mutex
	fragments []string
	streamErr error // returned by Recv after fragments are exhausted
	openErr   error // returned by GenerateStream
	calls     []Call
	closed    int
	block     chan struct{}
}

// New returns a provider that streams the given fragments.
func New(fragments ...string) *Provider {
	return &Provider{fragments: fragments}
}

// WithStreamError makes every stream fail with err after its fragments.
func (p *Provider) WithStreamError(err error) *Provider {
	p.streamErr = err
	return p
}

// WithOpenError makes GenerateStream fail with err.
func (p *Provider) WithOpenError(err error) *Provider {
	p.openErr = err
	return p
}

// WithBlock makes Recv wait for ch to close (or the context to end) before
// delivering the first fragment.
func (p *Provider) WithBlock(ch chan struct{}) *Provider {
	p.block = ch
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "scripted" }

// GenerateStream implements llm.Provider.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Prompt: prompt, Options: opts})
	if p.openErr != nil {
		return nil, p.openErr
	}

	return &stream{ctx: ctx, owner: p, fragments: append([]string(nil), p.fragments...), err: p.streamErr, block: p.block}, nil
}

// Calls returns the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Closed returns how many streams have been closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stream struct {
	ctx       context.Context
	owner     *Provider
	fragments []string
	pos       int
	err       error
	block     chan struct{}
	closed    bool
}

func (s *stream) Recv() (llm.Token, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-s.ctx.Done():
			return llm.Token{}, s.ctx.Err()
		}
		s.block = nil
	}
	if err := s.ctx.Err(); err != nil {
		return llm.Token{}, err
	}
	if s.pos >= len(s.fragments) {
		if s.err != nil {
			return llm.Token{}, s.err
		}
		return llm.Token{}, io.EOF
	}
	text := s.fragments[s.pos]
	s.pos++
	return llm.Token{ID: s.pos, Text: text}, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.mu.Lock()
	s.owner.closed++
	s.owner.mu.Unlock()
	return nil
}

var _ llm.Provider = (*Provider)(nil)
