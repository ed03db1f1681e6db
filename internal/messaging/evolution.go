package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dmourab/whatsflow/internal/conversation"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

var evolutionTracer = otel.Tracer("whatsflow.internal.messaging.evolution")

// maxComposingHintMs caps the server-side delay passed to Evolution. Pacing
// already happened locally; the remaining delay only flashes the composing
// indicator right before the send.
const maxComposingHintMs = 1200

// EvolutionSender sends WhatsApp messages through an Evolution API instance.
type EvolutionSender struct {
	apiURL     string
	apiKey     string
	instance   string
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.MessagingMetrics
}

// NewEvolutionSender builds a sender for the Evolution API.
func NewEvolutionSender(apiURL, apiKey, instance string, logger *logging.Logger, m *metrics.MessagingMetrics) *EvolutionSender {
	if strings.TrimSpace(apiURL) == "" {
		panic("messaging: evolution api url cannot be empty")
	}
	if strings.TrimSpace(instance) == "" {
		panic("messaging: evolution instance cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EvolutionSender{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:  logger,
		metrics: m,
	}
}

var _ conversation.Transport = (*EvolutionSender)(nil)

type evolutionSendResult struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
	} `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// SendText dispatches one text message. typingDelay is forwarded (capped) so
// the instance shows a composing indicator before the message lands.
func (s *EvolutionSender) SendText(ctx context.Context, conversationID, text string, typingDelay time.Duration) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("messaging: text required")
	}
	number := NormalizeNumber(conversationID)
	if number == "" {
		return "", errors.New("messaging: destination number required")
	}

	ctx, span := evolutionTracer.Start(ctx, "messaging.evolution.send_text")
	defer span.End()
	span.SetAttributes(
		attribute.String("whatsflow.instance", s.instance),
		attribute.String("whatsflow.to", number),
	)

	delayMs := typingDelay.Milliseconds()
	if delayMs > maxComposingHintMs {
		delayMs = maxComposingHintMs
	}
	if delayMs < 0 {
		delayMs = 0
	}

	payload := map[string]any{
		"number":       number,
		"text":         text,
		"delay":        delayMs,
		"presenceType": "composing",
	}

	result, err := s.post(ctx, s.endpoint("message/sendText"), payload)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveOutbound("text", "failed")
		return "", err
	}

	s.metrics.ObserveOutbound("text", "ok")
	s.logger.Info("whatsapp text sent", "to", number, "provider_message_id", result.Key.ID)
	return result.Key.ID, nil
}

// SendReaction attaches an emoji reaction to an earlier inbound message.
func (s *EvolutionSender) SendReaction(ctx context.Context, conversationID, targetMessageID, emoji string) error {
	if targetMessageID == "" {
		return errors.New("messaging: reaction target message id required")
	}
	if emoji == "" {
		return errors.New("messaging: reaction emoji required")
	}
	jid := JIDFromNumber(conversationID)
	if jid == "" {
		return errors.New("messaging: destination number required")
	}

	ctx, span := evolutionTracer.Start(ctx, "messaging.evolution.send_reaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("whatsflow.instance", s.instance),
		attribute.String("whatsflow.target_message_id", targetMessageID),
	)

	payload := map[string]any{
		"key": map[string]any{
			"remoteJid": jid,
			"fromMe":    false,
			"id":        targetMessageID,
		},
		"reaction": emoji,
	}

	if _, err := s.post(ctx, s.endpoint("message/sendReaction"), payload); err != nil {
		span.RecordError(err)
		s.metrics.ObserveOutbound("reaction", "failed")
		return err
	}
	s.metrics.ObserveOutbound("reaction", "ok")
	return nil
}

// SendSticker sends a WebP sticker by URL.
func (s *EvolutionSender) SendSticker(ctx context.Context, conversationID, stickerRef string) error {
	if strings.TrimSpace(stickerRef) == "" {
		return errors.New("messaging: sticker reference required")
	}
	number := NormalizeNumber(conversationID)
	if number == "" {
		return errors.New("messaging: destination number required")
	}

	ctx, span := evolutionTracer.Start(ctx, "messaging.evolution.send_sticker")
	defer span.End()
	span.SetAttributes(attribute.String("whatsflow.instance", s.instance))

	payload := map[string]any{
		"number":  number,
		"sticker": stickerRef,
	}

	if _, err := s.post(ctx, s.endpoint("message/sendSticker"), payload); err != nil {
		span.RecordError(err)
		s.metrics.ObserveOutbound("sticker", "failed")
		return err
	}
	s.metrics.ObserveOutbound("sticker", "ok")
	return nil
}

func (s *EvolutionSender) endpoint(path string) string {
	return fmt.Sprintf("%s/%s/%s", s.apiURL, path, s.instance)
}

// post issues one API call with bounded retry on transient failures. The
// Evolution API reports acceptance through a status field rather than the
// HTTP code alone.
func (s *EvolutionSender) post(ctx context.Context, url string, payload map[string]any) (*evolutionSendResult, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to marshal evolution payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("apikey", s.apiKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var result evolutionSendResult
				if len(body) > 0 {
					if err := json.Unmarshal(body, &result); err != nil {
						lastErr = fmt.Errorf("messaging: failed to decode evolution response: %w", err)
					} else if evolutionAccepted(result.Status) || result.Key.ID != "" {
						return &result, nil
					} else {
						lastErr = fmt.Errorf("messaging: evolution rejected message: %s", result.Error)
					}
				} else {
					return &evolutionSendResult{}, nil
				}
			} else {
				lastErr = fmt.Errorf("messaging: evolution send failed: status %d", resp.StatusCode)
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	s.logger.Error("evolution api call failed", "error", lastErr, "url", url)
	return nil, lastErr
}

func evolutionAccepted(status string) bool {
	switch strings.ToUpper(status) {
	case "PENDING", "SENT", "DELIVERED":
		return true
	}
	return false
}
