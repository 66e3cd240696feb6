package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/repository"
)

// TranscriptRepo implements repository.TranscriptRepository
type TranscriptRepo struct {
	db *DB
}

// NewTranscriptRepo creates a new transcript repository
func NewTranscriptRepo(db *DB) *TranscriptRepo {
	return &TranscriptRepo{db: db}
}

// SaveTurn inserts or replaces a turn
func (r *TranscriptRepo) SaveTurn(ctx context.Context, sessionID uuid.UUID, index int, turn prompt.Turn) error {
	query := `
		INSERT INTO chat_turns (session_id, turn_index, user_message, assistant_response)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, turn_index)
		DO UPDATE SET user_message = EXCLUDED.user_message,
		              assistant_response = EXCLUDED.assistant_response,
		              updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, sessionID, index, turn.User, turn.Assistant)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// ListTurns retrieves the turns of a session in order
func (r *TranscriptRepo) ListTurns(ctx context.Context, sessionID uuid.UUID) ([]prompt.Turn, error) {
	query := `
		SELECT user_message, assistant_response
		FROM chat_turns
		WHERE session_id = $1
		ORDER BY turn_index
	`
	rows, err := r.db.Pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (prompt.Turn, error) {
		var t prompt.Turn
		err := row.Scan(&t.User, &t.Assistant)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan turns: %w", err)
	}
	if len(turns) == 0 {
		return nil, repository.ErrNotFound
	}
	return turns, nil
}

// TruncateFrom deletes every turn at or after index
func (r *TranscriptRepo) TruncateFrom(ctx context.Context, sessionID uuid.UUID, index int) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM chat_turns WHERE session_id = $1 AND turn_index >= $2`,
		sessionID, index)
	if err != nil {
		return fmt.Errorf("failed to truncate turns: %w", err)
	}
	return nil
}

// DeleteSession deletes all turns of a session
func (r *TranscriptRepo) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chat_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (r *TranscriptRepo) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// Ensure TranscriptRepo implements the interface
var _ repository.TranscriptRepository = (*TranscriptRepo)(nil)
