package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Evolution webhook event names.
const (
	EventMessagesUpsert = "messages.upsert"
	EventPresenceUpdate = "presence.update"
)

type webhookKey struct {
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type webhookMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
}

type webhookData struct {
	Key              webhookKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *webhookMessage `json:"message"`
	MessageTimestamp int64           `json:"messageTimestamp"`

	// presence.update fields
	ID        string                     `json:"id"`
	Presences map[string]webhookPresence `json:"presences"`
}

type webhookPresence struct {
	LastKnownPresence string `json:"lastKnownPresence"`
}

// WebhookEnvelope is the raw Evolution webhook body.
type WebhookEnvelope struct {
	Event    string      `json:"event"`
	Instance string      `json:"instance"`
	Data     webhookData `json:"data"`
}

// InboundMessage is one parsed messages.upsert event.
type InboundMessage struct {
	ProviderMessageID string
	RemoteJid         string
	Number            string
	FromMe            bool
	PushName          string
	Text              string
	Timestamp         time.Time
}

// PresenceChange is one parsed presence.update event.
type PresenceChange struct {
	Number string
	Status string
}

// ParseWebhook decodes and validates the webhook body.
func ParseWebhook(r *http.Request) (*WebhookEnvelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read webhook body: %w", err)
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("messaging: failed to decode webhook body: %w", err)
	}
	if envelope.Event == "" {
		return nil, errors.New("messaging: webhook event missing")
	}
	return &envelope, nil
}

// ExtractMessage pulls the inbound message out of a messages.upsert envelope.
// Returns nil for events without extractable text (media, protocol messages).
func ExtractMessage(envelope *WebhookEnvelope) *InboundMessage {
	if envelope == nil || envelope.Event != EventMessagesUpsert {
		return nil
	}
	data := envelope.Data
	if data.Key.ID == "" || data.Message == nil {
		return nil
	}

	text := data.Message.Conversation
	if text == "" && data.Message.ExtendedTextMessage != nil {
		text = data.Message.ExtendedTextMessage.Text
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	msg := &InboundMessage{
		ProviderMessageID: data.Key.ID,
		RemoteJid:         data.Key.RemoteJid,
		Number:            NumberFromJID(data.Key.RemoteJid),
		FromMe:            data.Key.FromMe,
		PushName:          data.PushName,
		Text:              text,
	}
	if data.MessageTimestamp > 0 {
		msg.Timestamp = time.Unix(data.MessageTimestamp, 0).UTC()
	} else {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

// ExtractPresence pulls the presence change out of a presence.update
// envelope. Returns nil when the envelope carries no known presence.
func ExtractPresence(envelope *WebhookEnvelope) *PresenceChange {
	if envelope == nil || envelope.Event != EventPresenceUpdate {
		return nil
	}
	for jid, p := range envelope.Data.Presences {
		if p.LastKnownPresence == "" {
			continue
		}
		return &PresenceChange{
			Number: NumberFromJID(jid),
			Status: p.LastKnownPresence,
		}
	}
	if envelope.Data.ID != "" {
		return &PresenceChange{Number: NumberFromJID(envelope.Data.ID), Status: "available"}
	}
	return nil
}
