// Package chat implements chat sessions on top of the generation relay:
// submitting messages, retrying, undoing and clearing turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/knoguchi/instchat/internal/memory"
	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/relay"
	"github.com/knoguchi/instchat/internal/repository"
)

var (
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when a session already has a generation running.
	ErrSessionBusy = errors.New("session has a generation in progress")

	// ErrBusy is returned when the service is at its concurrent generation limit.
	ErrBusy = errors.New("too many generations in progress")

	// ErrEmptyHistory is returned by Retry when there is no turn to regenerate.
	ErrEmptyHistory = errors.New("no previous message to retry")
)

// Service manages chat sessions.
type Service struct {
	relay        *relay.Relay
	store        *memory.Store
	archive      repository.TranscriptRepository
	slots        *semaphore.Weighted
	systemPrompt string
	logger       *slog.Logger
}

// ServiceOption is a functional option for configuring Service.
type ServiceOption func(*Service)

// WithArchive persists finished turns to repo.
func WithArchive(repo repository.TranscriptRepository) ServiceOption {
	return func(s *Service) {
		s.archive = repo
	}
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(systemPrompt string) ServiceOption {
	return func(s *Service) {
		s.systemPrompt = systemPrompt
	}
}

// WithQueueSize caps the number of concurrent generations.
func WithQueueSize(n int) ServiceOption {
	return func(s *Service) {
		s.slots = semaphore.NewWeighted(int64(n))
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new Service.
func NewService(r *relay.Relay, store *memory.Store, opts ...ServiceOption) *Service {
	s := &Service{
		relay:        r,
		store:        store,
		archive:      repository.Noop{},
		slots:        semaphore.NewWeighted(DefaultQueueSize),
		systemPrompt: DefaultSystemPrompt,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SystemPrompt returns the system prompt used for session generations.
func (s *Service) SystemPrompt() string {
	return s.systemPrompt
}

// Limits returns the generation control bounds.
func (s *Service) Limits() Limits {
	return NewLimits(s.relay.MaxNewTokens(), s.systemPrompt)
}

// Ready checks the transcript archive.
func (s *Service) Ready(ctx context.Context) error {
	return s.archive.Ping(ctx)
}

// NewSession creates an empty session.
func (s *Service) NewSession(ctx context.Context) uuid.UUID {
	id := uuid.New()
	s.store.Create(id.String())
	s.logger.Debug("session created", "session_id", id)
	return id
}

// History returns the turns of a session.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]prompt.Turn, error) {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(id.String()), nil
}

// Submit appends message to the session and streams the reply.
//
// Each yielded value is the full session history whose last turn carries the
// response accumulated so far. If the model produces no text a single
// snapshot with an empty response is yielded. Rejections (unknown session,
// bad parameters, input too long, busy) are returned before anything is
// modified. The returned sequence must be consumed: it holds the session
// lock and a generation slot until iteration ends.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, message string, sampling relay.Sampling) (iter.Seq2[[]prompt.Turn, error], error) {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return nil, err
	}
	if err := s.relay.Validate(sampling); err != nil {
		return nil, err
	}

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}

	history := s.store.History(id.String())
	if err := CheckInputLength(message, append(history, prompt.Turn{User: message})); err != nil {
		release()
		return nil, err
	}

	return s.run(ctx, id, message, history, sampling, release)
}

// Retry drops the latest turn and regenerates a reply to its message.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, sampling relay.Sampling) (iter.Seq2[[]prompt.Turn, error], error) {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return nil, err
	}
	if err := s.relay.Validate(sampling); err != nil {
		return nil, err
	}

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}

	last, ok := s.store.PopLast(id.String())
	if !ok {
		release()
		return nil, ErrEmptyHistory
	}
	history := s.store.History(id.String())

	if err := s.archive.TruncateFrom(ctx, id, len(history)); err != nil {
		s.logger.Warn("failed to truncate archived transcript", "session_id", id, "error", err)
	}

	return s.run(ctx, id, last.User, history, sampling, release)
}

// Undo removes the latest turn and returns its message ("" if there was none).
func (s *Service) Undo(ctx context.Context, id uuid.UUID) (string, error) {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return "", err
	}
	if !s.store.TryLock(id.String()) {
		return "", ErrSessionBusy
	}
	defer s.store.Unlock(id.String())

	last, ok := s.store.PopLast(id.String())
	if !ok {
		return "", nil
	}

	if err := s.archive.TruncateFrom(ctx, id, len(s.store.History(id.String()))); err != nil {
		s.logger.Warn("failed to truncate archived transcript", "session_id", id, "error", err)
	}
	return last.User, nil
}

// Clear removes every turn of the session.
func (s *Service) Clear(ctx context.Context, id uuid.UUID) error {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return err
	}
	if !s.store.TryLock(id.String()) {
		return ErrSessionBusy
	}
	defer s.store.Unlock(id.String())

	s.store.Clear(id.String())
	if err := s.archive.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("clearing archived transcript: %w", err)
	}
	return nil
}

// DeleteSession removes the session from memory and the archive.
func (s *Service) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return err
	}
	if !s.store.TryLock(id.String()) {
		return ErrSessionBusy
	}

	s.store.Delete(id.String())
	if err := s.archive.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting archived transcript: %w", err)
	}
	s.logger.Debug("session deleted", "session_id", id)
	return nil
}

// ActiveSessions returns the number of sessions held in memory.
func (s *Service) ActiveSessions() int {
	return s.store.Len()
}

// Generate runs a stateless generation for a caller-owned history.
// The same admission limits apply as for sessions.
func (s *Service) Generate(ctx context.Context, req relay.Request) (iter.Seq2[string, error], error) {
	if err := CheckInputLength(req.Message, append(req.History[:len(req.History):len(req.History)], prompt.Turn{User: req.Message})); err != nil {
		return nil, err
	}

	seq, err := s.relay.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	if !s.slots.TryAcquire(1) {
		return nil, ErrBusy
	}

	return func(yield func(string, error) bool) {
		defer s.slots.Release(1)
		for text, err := range seq {
			if !yield(text, err) {
				return
			}
		}
	}, nil
}

// acquire takes the session lock and a generation slot.
func (s *Service) acquire(id uuid.UUID) (func(), error) {
	key := id.String()
	if !s.store.TryLock(key) {
		return nil, ErrSessionBusy
	}
	if !s.slots.TryAcquire(1) {
		s.store.Unlock(key)
		return nil, ErrBusy
	}
	return func() {
		s.slots.Release(1)
		s.store.Unlock(key)
	}, nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, message string, history []prompt.Turn, sampling relay.Sampling, release func()) (iter.Seq2[[]prompt.Turn, error], error) {
	seq, err := s.relay.Generate(ctx, relay.Request{
		Message:      message,
		History:      history,
		SystemPrompt: s.systemPrompt,
		Sampling:     sampling,
	})
	if err != nil {
		release()
		return nil, err
	}

	key := id.String()
	s.store.Append(key, message)
	index := len(history)

	return func(yield func([]prompt.Turn, error) bool) {
		defer release()

		start := time.Now()
		response := ""
		emitted := false
		cancelled := false

		for text, err := range seq {
			if errors.Is(err, context.Canceled) {
				// The caller went away mid-generation; keep what it already saw.
				s.logger.Debug("generation cancelled", "session_id", id, "response_chars", len(response))
				cancelled = true
				yield(nil, err)
				break
			}
			if err != nil {
				s.logger.Error("generation failed", "session_id", id, "error", err)
				yield(nil, err)
				return
			}
			response = text
			emitted = true
			s.store.SetLastResponse(key, response)
			if !yield(snapshot(history, message, response), nil) {
				break
			}
		}
		if !emitted && !cancelled {
			yield(snapshot(history, message, ""), nil)
		}

		// The caller may have gone away; the archive write must still happen.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.archive.SaveTurn(saveCtx, id, index, prompt.Turn{User: message, Assistant: response}); err != nil {
			s.logger.Warn("failed to archive turn", "session_id", id, "error", err)
		}

		s.logger.Info("generation finished",
			"session_id", id,
			"turn", index,
			"response_chars", len(response),
			"duration", time.Since(start),
		)
	}, nil
}

// ensureLoaded makes sure the session is in memory, restoring it from the
// archive if it expired there.
func (s *Service) ensureLoaded(ctx context.Context, id uuid.UUID) error {
	if s.store.Exists(id.String()) {
		return nil
	}

	turns, err := s.archive.ListTurns(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}

	s.store.Load(id.String(), turns)
	s.logger.Debug("session restored from archive", "session_id", id, "turns", len(turns))
	return nil
}

func snapshot(history []prompt.Turn, message, response string) []prompt.Turn {
	out := make([]prompt.Turn, len(history), len(history)+1)
	copy(out, history)
	return append(out, prompt.Turn{User: message, Assistant: response})
}
