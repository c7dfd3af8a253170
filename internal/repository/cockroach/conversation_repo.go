package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ConversationRepository answers chat membership questions against the
// conversation_participants table owned by the chat service
type ConversationRepository struct {
	db DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// IsParticipant checks if a user is a member of a chat
func (r *ConversationRepository) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, chatID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}

	return exists, nil
}

// GetParticipants retrieves the member ids of a chat
func (r *ConversationRepository) GetParticipants(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM conversation_participants WHERE conversation_id = $1`

	rows, err := r.db.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}

	return participants, rows.Err()
}
