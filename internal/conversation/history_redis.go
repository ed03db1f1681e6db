package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	historyKeyPrefix = "wa_history:"
	historyTTL       = 7 * 24 * time.Hour
)

// RedisHistory keeps each conversation's transcript in a Redis list with a
// rolling TTL, trimmed to the newest maxMessages entries.
type RedisHistory struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
}

func NewRedisHistory(redisClient *redis.Client, maxMessages int64) *RedisHistory {
	if redisClient == nil {
		return nil
	}
	if maxMessages <= 0 {
		maxMessages = 250
	}
	return &RedisHistory{
		redis:       redisClient,
		tracer:      otel.Tracer("whatsflow.internal.conversation.history"),
		maxMessages: maxMessages,
	}
}

func (s *RedisHistory) Append(ctx context.Context, conversationID string, msg Message) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
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

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation: marshal history message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "conversation.history.append")
	defer span.End()

	key := historyKey(conversationID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, historyTTL)
	pipe.LTrim(ctx, key, -s.maxMessages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: append history message: %w", err)
	}
	return nil
}

func (s *RedisHistory) Load(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if conversationID == "" {
		return nil, errors.New("conversation: history conversationID required")
	}

	ctx, span := s.tracer.Start(ctx, "conversation.history.load")
	defer span.End()

	raw, err := s.redis.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func historyKey(conversationID string) string {
	return historyKeyPrefix + conversationID
}
