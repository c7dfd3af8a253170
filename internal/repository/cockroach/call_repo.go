package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository"
)

// DB is the subset of pgxpool.Pool used by the repositories
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// CallSchema creates the call table and the index that allows one active call per chat
const CallSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id          UUID PRIMARY KEY,
	chat_id          UUID NOT NULL,
	initiator_id     UUID NOT NULL,
	participants     UUID[] NOT NULL,
	call_type        STRING NOT NULL,
	status           STRING NOT NULL,
	channel          STRING NOT NULL UNIQUE,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	end_reason       STRING NOT NULL DEFAULT '',
	duration_seconds INT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	version          INT8 NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS calls_one_active_per_chat
	ON calls (chat_id) WHERE status IN ('initiated', 'ringing', 'ongoing');
CREATE INDEX IF NOT EXISTS calls_chat_created_idx ON calls (chat_id, created_at DESC);
CREATE INDEX IF NOT EXISTS calls_status_created_idx ON calls (status, created_at);
`

const callColumns = `call_id, chat_id, initiator_id, participants, call_type, status, channel,
		       started_at, ended_at, end_reason, created_at, updated_at, version`

// CallRepository handles call record persistence
type CallRepository struct {
	db DB
}

// NewCallRepository creates a new call repository
func NewCallRepository(db DB) *CallRepository {
	return &CallRepository{db: db}
}

// EnsureSchema creates the calls table when it does not exist
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, CallSchema); err != nil {
		return fmt.Errorf("failed to ensure call schema: %w", err)
	}
	return nil
}

// Create inserts a new call record.
// A unique violation means the chat already holds an active call.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, chat_id, initiator_id, participants, call_type, status, channel,
			end_reason, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	`

	_, err := r.db.Exec(ctx, query,
		call.ID,
		call.ChatID,
		call.InitiatorID,
		call.Participants,
		string(call.Kind),
		string(call.Status),
		call.Channel,
		string(call.EndReason),
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrActiveCallExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	call.Version = 1
	return nil
}

// Update writes the mutable fields of a call when its version still matches
func (r *CallRepository) Update(ctx context.Context, call *domain.Call) error {
	query := `
		UPDATE calls
		SET participants = $3,
		    status = $4,
		    started_at = $5,
		    ended_at = $6,
		    end_reason = $7,
		    duration_seconds = $8,
		    updated_at = $9,
		    version = version + 1
		WHERE call_id = $1 AND version = $2
	`

	var duration *int64
	if d, ok := call.Duration(); ok {
		secs := int64(d / time.Second)
		duration = &secs
	}

	tag, err := r.db.Exec(ctx, query,
		call.ID,
		call.Version,
		call.Participants,
		string(call.Status),
		call.StartedAt,
		call.EndedAt,
		string(call.EndReason),
		duration,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleCall
	}

	call.Version++
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.db.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// FindActiveByChat returns the chat's initiated, ringing or ongoing call, or nil
func (r *CallRepository) FindActiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE chat_id = $1 AND status IN ('initiated', 'ringing', 'ongoing')
		LIMIT 1`

	call, err := scanCall(r.db.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active call: %w", err)
	}
	return call, nil
}

// ListStale returns unanswered calls created before the cutoff
func (r *CallRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE status IN ('initiated', 'ringing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	return r.queryCalls(ctx, "stale calls", query, before, limit)
}

// GetUserCalls retrieves the calls a user initiated or joined, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE initiator_id = $1 OR $1 = ANY(participants)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	return r.queryCalls(ctx, "user calls", query, userID, limit, offset)
}

// GetChatCalls retrieves the calls of one chat, newest first
func (r *CallRepository) GetChatCalls(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	return r.queryCalls(ctx, "chat calls", query, chatID, limit, offset)
}

func (r *CallRepository) queryCalls(ctx context.Context, what, query string, args ...any) ([]*domain.Call, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer rows.Close()

	calls := make([]*domain.Call, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return calls, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*domain.Call, error) {
	var call domain.Call
	var kind, status, endReason string
	err := row.Scan(
		&call.ID,
		&call.ChatID,
		&call.InitiatorID,
		&call.Participants,
		&kind,
		&status,
		&call.Channel,
		&call.StartedAt,
		&call.EndedAt,
		&endReason,
		&call.CreatedAt,
		&call.UpdatedAt,
		&call.Version,
	)
	if err != nil {
		return nil, err
	}
	call.Kind = domain.CallKind(kind)
	call.Status = domain.CallStatus(status)
	call.EndReason = domain.EndReason(endReason)
	return &call, nil
}
