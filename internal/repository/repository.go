// Package repository defines the transcript archive used to persist finished chat turns.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/knoguchi/instchat/internal/prompt"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TranscriptRepository persists the finalized turns of chat sessions.
// Turns are addressed by their zero-based position in the session.
type TranscriptRepository interface {
	// SaveTurn inserts or replaces the turn at index.
	SaveTurn(ctx context.Context, sessionID uuid.UUID, index int, turn prompt.Turn) error

	// ListTurns returns the turns of a session in order, or ErrNotFound.
	ListTurns(ctx context.Context, sessionID uuid.UUID) ([]prompt.Turn, error)

	// TruncateFrom removes every turn at or after index.
	TruncateFrom(ctx context.Context, sessionID uuid.UUID, index int) error

	// DeleteSession removes all turns of a session.
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error

	// Ping checks that the archive is reachable.
	Ping(ctx context.Context) error
}

// Noop is a TranscriptRepository that stores nothing.
type Noop struct{}

func (Noop) SaveTurn(context.Context, uuid.UUID, int, prompt.Turn) error { return nil }

func (Noop) ListTurns(context.Context, uuid.UUID) ([]prompt.Turn, error) { return nil, ErrNotFound }

func (Noop) TruncateFrom(context.Context, uuid.UUID, int) error { return nil }

func (Noop) DeleteSession(context.Context, uuid.UUID) error { return nil }

func (Noop) Ping(context.Context) error { return nil }

var _ TranscriptRepository = Noop{}
