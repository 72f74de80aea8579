package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartConversation opens the AI-dialogue record for a call and returns the
// new conversation id.
func (j *Journal) StartConversation(ctx context.Context, callID, model, systemPrompt string) (string, error) {
	conversationID := uuid.NewString()
	now := time.Now().UTC()

	_, err := j.db.ExecContext(ctx, j.db.rebind(
		`INSERT INTO conversations (conversation_id, call_id, model, system_prompt, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		conversationID, callID, model, systemPrompt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting conversation for call %s: %w", callID, err)
	}
	return conversationID, nil
}

// EndConversation closes a conversation and recomputes its aggregate
// metrics inside the same transaction.
func (j *Journal) EndConversation(ctx context.Context, conversationID, summary, topic string) error {
	now := time.Now().UTC()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning end-conversation transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, j.db.rebind(
		`UPDATE conversations SET ended_at = ?, summary = ?, topic = ? WHERE conversation_id = ?`),
		now, summary, topic, conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ending conversation %s: not found", conversationID)
	}

	if err := j.recomputeMetrics(ctx, tx, conversationID); err != nil {
		return err
	}

	return tx.Commit()
}

// AddMessage appends one message, assigning the next per-conversation
// sequence number inside the insert transaction. Sequence numbers are
// therefore gap-free and strictly increasing.
func (j *Journal) AddMessage(ctx context.Context, m *Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("adding message: conversation id is required")
	}
	m.CreatedAt = time.Now().UTC()

	sttJSON, err := marshalMeta(m.STTMeta)
	if err != nil {
		return fmt.Errorf("encoding stt meta: %w", err)
	}
	llmJSON, err := marshalMeta(m.LLMMeta)
	if err != nil {
		return fmt.Errorf("encoding llm meta: %w", err)
	}
	ttsJSON, err := marshalMeta(m.TTSMeta)
	if err != nil {
		return fmt.Errorf("encoding tts meta: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning add-message transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, j.db.rebind(
		"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = ?"),
		m.ConversationID).Scan(&m.SequenceNumber)
	if err != nil {
		return fmt.Errorf("assigning sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, j.db.rebind(
		`INSERT INTO messages (conversation_id, sequence_number, role, content,
		 processing_ms, stt_meta, llm_meta, tts_meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ConversationID, m.SequenceNumber, m.Role, m.Content,
		m.ProcessingMS, sttJSON, llmJSON, ttsJSON, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message %d of conversation %s: %w",
			m.SequenceNumber, m.ConversationID, err)
	}

	return tx.Commit()
}

// Messages returns a conversation's messages in sequence order.
func (j *Journal) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := j.db.QueryContext(ctx, j.db.rebind(
		`SELECT id, conversation_id, sequence_number, role, content,
		 processing_ms, stt_meta, llm_meta, tts_meta, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY sequence_number`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m                          Message
			sttJSON, llmJSON, ttsJSON sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SequenceNumber, &m.Role, &m.Content,
			&m.ProcessingMS, &sttJSON, &llmJSON, &ttsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := unmarshalMeta(sttJSON, &m.STTMeta); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(llmJSON, &m.LLMMeta); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(ttsJSON, &m.TTSMeta); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ConversationForCall returns the conversation attached to a call, or nil.
func (j *Journal) ConversationForCall(ctx context.Context, callID string) (*Conversation, error) {
	row := j.db.QueryRowContext(ctx, j.db.rebind(
		`SELECT id, conversation_id, call_id, model, system_prompt, summary, topic,
		 started_at, ended_at, created_at
		 FROM conversations WHERE call_id = ?`), callID)

	var c Conversation
	err := row.Scan(&c.ID, &c.Conversation, &c.CallID, &c.Model, &c.SystemPrompt,
		&c.Summary, &c.Topic, &c.StartedAt, &c.EndedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation for call %s: %w", callID, err)
	}
	return &c, nil
}

// marshalMeta encodes an optional metadata struct to a nullable JSON string.
func marshalMeta(v any) (sql.NullString, error) {
	switch meta := v.(type) {
	case *STTMeta:
		if meta == nil {
			return sql.NullString{}, nil
		}
	case *LLMMeta:
		if meta == nil {
			return sql.NullString{}, nil
		}
	case *TTSMeta:
		if meta == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// unmarshalMeta decodes a nullable JSON column into target ( **T pointer).
func unmarshalMeta[T any](col sql.NullString, target **T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return fmt.Errorf("decoding message metadata: %w", err)
	}
	*target = &v
	return nil
}
