package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// recomputeMetrics aggregates a conversation's messages into its metrics
// row. It runs inside the end-conversation transaction; the aggregation is
// done in Go so the SQL stays portable across both backends.
func (j *Journal) recomputeMetrics(ctx context.Context, tx *sql.Tx, conversationID string) error {
	rows, err := tx.QueryContext(ctx, j.db.rebind(
		`SELECT role, processing_ms, stt_meta, llm_meta, tts_meta
		 FROM messages WHERE conversation_id = ? ORDER BY sequence_number`),
		conversationID)
	if err != nil {
		return fmt.Errorf("loading messages for metrics: %w", err)
	}

	m := ConversationMetrics{
		ConversationID: conversationID,
		ComputedAt:     time.Now().UTC(),
	}
	var (
		confidenceSum   float64
		confidenceCount int
		processedCount  int
	)

	for rows.Next() {
		var (
			role                      string
			processingMS              sql.NullFloat64
			sttJSON, llmJSON, ttsJSON sql.NullString
		)
		if err := rows.Scan(&role, &processingMS, &sttJSON, &llmJSON, &ttsJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scanning message for metrics: %w", err)
		}

		m.TotalMessages++
		switch role {
		case RoleUser:
			m.UserMessages++
		case RoleAssistant:
			m.AssistantMessages++
		}

		if processingMS.Valid {
			v := processingMS.Float64
			m.SumProcessingMS += v
			processedCount++
			if m.MinProcessingMS == nil || v < *m.MinProcessingMS {
				m.MinProcessingMS = &v
			}
			if m.MaxProcessingMS == nil || v > *m.MaxProcessingMS {
				m.MaxProcessingMS = &v
			}
			if v > slaThresholdMS {
				m.SLAViolations++
			}
		}

		var stt *STTMeta
		if err := unmarshalMeta(sttJSON, &stt); err != nil {
			rows.Close()
			return err
		}
		if stt != nil {
			m.TotalSTTCost += stt.CostUSD
			m.TotalAudioSeconds += stt.AudioSeconds
			confidenceSum += stt.Confidence
			confidenceCount++
		}

		var llm *LLMMeta
		if err := unmarshalMeta(llmJSON, &llm); err != nil {
			rows.Close()
			return err
		}
		if llm != nil {
			m.TotalTokensIn += llm.TokensIn
			m.TotalTokensOut += llm.TokensOut
			m.TotalLLMCost += llm.CostUSD
		}

		var tts *TTSMeta
		if err := unmarshalMeta(ttsJSON, &tts); err != nil {
			rows.Close()
			return err
		}
		if tts != nil {
			m.TotalTTSCost += tts.CostUSD
			m.TotalAudioSeconds += tts.AudioSeconds
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating messages for metrics: %w", err)
	}

	// Only messages that carry a processing time enter the average, so it
	// stays within the min/max bounds.
	if processedCount > 0 {
		avg := m.SumProcessingMS / float64(processedCount)
		m.AvgProcessingMS = &avg
	}
	if confidenceCount > 0 {
		mean := confidenceSum / float64(confidenceCount)
		m.MeanSTTConfidence = &mean
	}

	// Recomputation replaces any previous aggregate.
	if _, err := tx.ExecContext(ctx, j.db.rebind(
		"DELETE FROM conversation_metrics WHERE conversation_id = ?"), conversationID); err != nil {
		return fmt.Errorf("clearing previous metrics: %w", err)
	}

	_, err = tx.ExecContext(ctx, j.db.rebind(
		`INSERT INTO conversation_metrics (conversation_id, total_messages, user_messages,
		 assistant_messages, avg_processing_ms, min_processing_ms, max_processing_ms,
		 sum_processing_ms, total_tokens_in, total_tokens_out, total_llm_cost,
		 total_stt_cost, total_tts_cost, mean_stt_confidence, total_audio_seconds,
		 sla_violations, error_count, retry_count, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ConversationID, m.TotalMessages, m.UserMessages, m.AssistantMessages,
		m.AvgProcessingMS, m.MinProcessingMS, m.MaxProcessingMS, m.SumProcessingMS,
		m.TotalTokensIn, m.TotalTokensOut, m.TotalLLMCost, m.TotalSTTCost,
		m.TotalTTSCost, m.MeanSTTConfidence, m.TotalAudioSeconds,
		m.SLAViolations, m.ErrorCount, m.RetryCount, m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("storing conversation metrics: %w", err)
	}
	return nil
}

// Metrics returns the stored aggregate for a conversation, or nil when the
// conversation has not ended yet.
func (j *Journal) Metrics(ctx context.Context, conversationID string) (*ConversationMetrics, error) {
	row := j.db.QueryRowContext(ctx, j.db.rebind(
		`SELECT conversation_id, total_messages, user_messages, assistant_messages,
		 avg_processing_ms, min_processing_ms, max_processing_ms, sum_processing_ms,
		 total_tokens_in, total_tokens_out, total_llm_cost, total_stt_cost,
		 total_tts_cost, mean_stt_confidence, total_audio_seconds,
		 sla_violations, error_count, retry_count, computed_at
		 FROM conversation_metrics WHERE conversation_id = ?`), conversationID)

	var m ConversationMetrics
	err := row.Scan(&m.ConversationID, &m.TotalMessages, &m.UserMessages, &m.AssistantMessages,
		&m.AvgProcessingMS, &m.MinProcessingMS, &m.MaxProcessingMS, &m.SumProcessingMS,
		&m.TotalTokensIn, &m.TotalTokensOut, &m.TotalLLMCost, &m.TotalSTTCost,
		&m.TotalTTSCost, &m.MeanSTTConfidence, &m.TotalAudioSeconds,
		&m.SLAViolations, &m.ErrorCount, &m.RetryCount, &m.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning metrics for %s: %w", conversationID, err)
	}
	return &m, nil
}
