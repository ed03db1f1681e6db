package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresHistory is the durable transcript store. Redis is the hot path;
// this one survives restarts and feeds offline analysis.
type PostgresHistory struct {
	db *sql.DB
}

func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	if db == nil {
		return nil
	}
	return &PostgresHistory{db: db}
}

func (s *PostgresHistory) Append(ctx context.Context, conversationID string, msg Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	if conversationID == "" {
		return errors.New("conversation: history conversationID required")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	kind := msg.Kind
	if kind == "" {
		kind = string(UnitText)
	}

	var metadata []byte
	if len(msg.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("conversation: marshal history metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, kind, body, provider_message_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, conversationID, msg.Role, kind, msg.Body,
		nullableString(msg.ProviderMessageID), metadata, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("conversation: append history message: %w", err)
	}
	return nil
}

func (s *PostgresHistory) Load(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if conversationID == "" {
		return nil, errors.New("conversation: history conversationID required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, kind, body, provider_message_id, metadata, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg        Message
			providerID sql.NullString
			metadata   []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Kind, &msg.Body, &providerID, &metadata, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("conversation: scan history row: %w", err)
		}
		msg.ProviderMessageID = providerID.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("conversation: unmarshal history metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
