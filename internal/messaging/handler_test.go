package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmourab/whatsflow/internal/conversation"
)

type fakePublisher struct {
	mu       sync.Mutex
	inbound  []conversation.InboundEvent
	presence []string
	err      error
}

func (f *fakePublisher) EnqueueInbound(_ context.Context, event conversation.InboundEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.inbound = append(f.inbound, event)
	return "job-1", nil
}

func (f *fakePublisher) EnqueuePresence(_ context.Context, conversationID, status string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.presence = append(f.presence, conversationID+"/"+status)
	return "job-2", nil
}

func upsertEnvelope(jid, msgID, text string, fromMe bool) string {
	return fmt.Sprintf(`{
		"event": "messages.upsert",
		"instance": "clinic-main",
		"data": {
			"key": {"remoteJid": %q, "fromMe": %t, "id": %q},
			"pushName": "Maria",
			"message": {"conversation": %q},
			"messageTimestamp": 1735689600
		}
	}`, jid, fromMe, msgID, text)
}

func postWebhook(t *testing.T, h *Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/evolution", strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.EvolutionWebhook(rec, req)
	return rec
}

func TestWebhookEnqueuesInboundMessage(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("", "5511000000000", pub, NewMemoryDedupe(time.Minute), nil, nil)

	rec := postWebhook(t, h, upsertEnvelope("5511999999999@s.whatsapp.net", "wamid-1", "oi", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, pub.inbound, 1)
	event := pub.inbound[0]
	assert.Equal(t, "5511999999999", event.ConversationID)
	assert.Equal(t, "oi", event.Text)
	assert.Equal(t, "wamid-1", event.ProviderMessageID)
	assert.Equal(t, "Maria", event.Metadata["push_name"])
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), event.ArrivedAt)
}

func TestWebhookTokenAuth(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("secreto", "", pub, nil, nil, nil)
	body := upsertEnvelope("5511999999999@s.whatsapp.net", "wamid-1", "oi", false)

	rec := postWebhook(t, h, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.inbound)

	rec = postWebhook(t, h, body, http.Header{"X-Webhook-Token": []string{"errado"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, h, body, http.Header{"X-Webhook-Token": []string{"secreto"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, pub.inbound, 1)

	// Token may also come via query string.
	req := httptest.NewRequest("POST", "/webhooks/evolution?token=secreto", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.EvolutionWebhook(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookFiltersSelfAndGroups(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("", "5511000000000", pub, nil, nil, nil)

	// fromMe echo of the bot's own send.
	rec := postWebhook(t, h, upsertEnvelope("5511999999999@s.whatsapp.net", "wamid-1", "eco", true), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Message from the agent number itself.
	postWebhook(t, h, upsertEnvelope("5511000000000@s.whatsapp.net", "wamid-2", "loop", false), nil)

	// Group chat.
	postWebhook(t, h, upsertEnvelope("1203630239@g.us", "wamid-3", "grupo", false), nil)

	assert.Empty(t, pub.inbound, "filtered events must never reach the queue")
}

func TestWebhookDropsDuplicateDeliveries(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("", "", pub, NewMemoryDedupe(time.Minute), nil, nil)
	body := upsertEnvelope("5511999999999@s.whatsapp.net", "wamid-dup", "oi", false)

	postWebhook(t, h, body, nil)
	postWebhook(t, h, body, nil)

	assert.Len(t, pub.inbound, 1, "redelivery must be dropped by dedupe")
}

func TestWebhookEnqueuesPresence(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("", "", pub, nil, nil, nil)

	body := `{
		"event": "presence.update",
		"data": {
			"id": "5511999999999@s.whatsapp.net",
			"presences": {"5511999999999@s.whatsapp.net": {"lastKnownPresence": "composing"}}
		}
	}`
	rec := postWebhook(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.presence, 1)
	assert.Equal(t, "5511999999999/composing", pub.presence[0])
}

func TestWebhookAcksUnknownEvents(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler("", "", pub, nil, nil, nil)

	rec := postWebhook(t, h, `{"event": "chats.update", "data": {}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.inbound)
	assert.Empty(t, pub.presence)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h := NewHandler("", "", &fakePublisher{}, nil, nil, nil)
	rec := postWebhook(t, h, "not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
