package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeLLMClient replies with a scripted text per call.
type fakeLLMClient struct {
	replies []string
	err     error
	reqs    []LLMRequest
}

func (f *fakeLLMClient) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return LLMResponse{}, f.err
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	return LLMResponse{Text: reply}, nil
}

func TestRunTurnParsesReplyIntoUnits(t *testing.T) {
	client := &fakeLLMClient{replies: []string{
		"Oi! Temos horário amanhã às 14h.\n\n[react: like]\n\n[sticker: smile]\n\nPosso confirmar?",
	}}
	reasoner := NewLLMReasoner(client, ReasonerConfig{})

	out, err := reasoner.RunTurn(context.Background(), "conv-1", nil, []InboundEvent{
		{ConversationID: "conv-1", Text: "tem horário amanhã?", ProviderMessageID: "wamid-abc"},
	})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if len(out.Units) != 4 {
		t.Fatalf("expected 4 units, got %d: %#v", len(out.Units), out.Units)
	}
	if out.Units[0].Kind != UnitText || out.Units[0].Text != "Oi! Temos horário amanhã às 14h." {
		t.Fatalf("first unit wrong: %#v", out.Units[0])
	}
	if out.Units[1].Kind != UnitReaction || out.Units[1].Emoji != "👍" || out.Units[1].TargetMessageID != "wamid-abc" {
		t.Fatalf("reaction unit wrong: %#v", out.Units[1])
	}
	if out.Units[2].Kind != UnitSticker || !strings.Contains(out.Units[2].StickerRef, "Cuppy_smile") {
		t.Fatalf("sticker unit wrong: %#v", out.Units[2])
	}
	if out.Units[3].Kind != UnitText || out.Units[3].Text != "Posso confirmar?" {
		t.Fatalf("trailing text unit wrong: %#v", out.Units[3])
	}
}

func TestRunTurnJoinsBatchIntoOneUserMessage(t *testing.T) {
	client := &fakeLLMClient{replies: []string{"Claro!"}}
	reasoner := NewLLMReasoner(client, ReasonerConfig{Persona: "persona de teste"})

	_, err := reasoner.RunTurn(context.Background(), "conv-1", nil, []InboundEvent{
		{ConversationID: "conv-1", Text: "oi"},
		{ConversationID: "conv-1", Text: "tem vaga hoje?"},
	})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	req := client.reqs[0]
	if len(req.System) != 1 || req.System[0] != "persona de teste" {
		t.Fatalf("persona not forwarded: %#v", req.System)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("burst must become a single user message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != ChatRoleUser || req.Messages[0].Content != "oi\ntem vaga hoje?" {
		t.Fatalf("batch joined wrong: %#v", req.Messages[0])
	}
}

func TestRunTurnReplaysTrimmedHistory(t *testing.T) {
	client := &fakeLLMClient{replies: []string{"ok"}}
	reasoner := NewLLMReasoner(client, ReasonerConfig{MaxHistory: 2})

	history := []Message{
		{Role: RoleUser, Body: "antiga demais"},
		{Role: RoleUser, Body: "pergunta"},
		{Role: RoleAssistant, Body: "resposta"},
		{Role: RoleAssistant, Kind: string(UnitReaction), Body: "👍"},
	}
	_, err := reasoner.RunTurn(context.Background(), "conv-1", history, []InboundEvent{
		{ConversationID: "conv-1", Text: "e agora?"},
	})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	msgs := client.reqs[0].Messages
	// MaxHistory keeps the last two entries; the reaction entry carries no
	// text and is skipped, leaving assistant reply + new user message.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 prompt messages, got %d: %#v", len(msgs), msgs)
	}
	if msgs[0].Role != ChatRoleAssistant || msgs[0].Content != "resposta" {
		t.Fatalf("history replay wrong: %#v", msgs[0])
	}
	if msgs[1].Content != "e agora?" {
		t.Fatalf("final user message wrong: %#v", msgs[1])
	}
}

func TestRunTurnPropagatesClientError(t *testing.T) {
	client := &fakeLLMClient{err: errors.New("model unavailable")}
	reasoner := NewLLMReasoner(client, ReasonerConfig{})

	_, err := reasoner.RunTurn(context.Background(), "conv-1", nil, []InboundEvent{
		{ConversationID: "conv-1", Text: "oi"},
	})
	if err == nil {
		t.Fatal("expected error from client")
	}
}

func TestRunTurnRejectsEmptyReply(t *testing.T) {
	client := &fakeLLMClient{replies: []string{"   \n  "}}
	reasoner := NewLLMReasoner(client, ReasonerConfig{})

	_, err := reasoner.RunTurn(context.Background(), "conv-1", nil, []InboundEvent{
		{ConversationID: "conv-1", Text: "oi"},
	})
	if err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestRunTurnRequiresEvents(t *testing.T) {
	reasoner := NewLLMReasoner(&fakeLLMClient{}, ReasonerConfig{})
	if _, err := reasoner.RunTurn(context.Background(), "conv-1", nil, nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestParseDeliveryUnitsDirectives(t *testing.T) {
	units := ParseDeliveryUnits("[react: 🔥]\n\n[sticker: https://example.com/fig.webp]\n\ntexto", "wamid-1")
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	// Unknown alias passes through as a literal emoji.
	if units[0].Emoji != "🔥" {
		t.Fatalf("literal emoji dropped: %#v", units[0])
	}
	if units[1].StickerRef != "https://example.com/fig.webp" {
		t.Fatalf("sticker URL passthrough broken: %#v", units[1])
	}
}

func TestParseDeliveryUnitsDropsUntargetedReaction(t *testing.T) {
	units := ParseDeliveryUnits("[react: like]\n\ntexto", "")
	if len(units) != 1 || units[0].Kind != UnitText {
		t.Fatalf("reaction without target must be dropped: %#v", units)
	}
}

func TestParseDeliveryUnitsDropsUnknownSticker(t *testing.T) {
	units := ParseDeliveryUnits("[sticker: inexistente]\n\ntexto", "wamid-1")
	if len(units) != 1 || units[0].Kind != UnitText {
		t.Fatalf("unknown sticker must be dropped: %#v", units)
	}
}
