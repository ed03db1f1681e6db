package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmourab/whatsflow/internal/conversation"
	"github.com/dmourab/whatsflow/internal/messaging"
)

func TestHealthEndpoints(t *testing.T) {
	handler := New(&Config{})

	for _, path := range []string{"/health", "/healthz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
			t.Fatalf("%s body wrong: %q", path, rec.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	handler := New(&Config{
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics returned %d", rec.Code)
	}
}

func TestMetricsEndpointAbsentWithoutHandler(t *testing.T) {
	handler := New(&Config{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", rec.Code)
	}
}

func TestWebhookRouted(t *testing.T) {
	pub := conversation.NewPublisher(conversation.NewMemoryQueue(8), nil)
	handler := New(&Config{
		MessagingHandler: messaging.NewHandler("", "", pub, nil, nil, nil),
		WebhookRateLimit: 50,
	})

	body := `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "id": "wamid-1"},
			"message": {"conversation": "oi"}
		}
	}`
	req := httptest.NewRequest("POST", "/webhooks/evolution", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := New(&Config{})

	req := httptest.NewRequest("GET", "/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
