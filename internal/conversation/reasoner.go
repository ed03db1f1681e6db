package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// stickerCollection maps friendly names the model can use to WebP sticker
// URLs (WhatsApp's public Cuppy pack).
var stickerCollection = map[string]string{
	"smile":   "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/01_Cuppy_smile.webp",
	"lol":     "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/02_Cuppy_lol.webp",
	"rofl":    "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/03_Cuppy_rofl.webp",
	"sad":     "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/04_Cuppy_sad.webp",
	"cry":     "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/05_Cuppy_cry.webp",
	"love":    "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/06_Cuppy_love.webp",
	"angry":   "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/07_Cuppy_angry.webp",
	"party":   "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/10_Cuppy_party.webp",
	"hot":     "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/11_Cuppy_hot.webp",
	"cool":    "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/14_Cuppy_cool.webp",
	"curious": "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/15_Cuppy_curious.webp",
	"hug":     "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/16_Cuppy_hug.webp",
	"think":   "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/17_Cuppy_think.webp",
	"sleep":   "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/18_Cuppy_sleep.webp",
	"excited": "https://raw.githubusercontent.com/WhatsApp/stickers/main/Android/app/src/main/assets/1/24_Cuppy_excited.webp",
}

// reactionAliases maps words the model may emit to the reaction emoji set
// WhatsApp supports.
var reactionAliases = map[string]string{
	"like":     "👍",
	"curtir":   "👍",
	"sim":      "👍",
	"love":     "❤️",
	"coracao":  "❤️",
	"haha":     "😂",
	"rir":      "😂",
	"wow":      "😮",
	"surpresa": "😮",
	"sad":      "😢",
	"triste":   "😢",
	"thanks":   "🙏",
	"obrigado": "🙏",
	"party":    "🎉",
	"parabens": "🎉",
}

var directivePattern = regexp.MustCompile(`^\[(react|sticker):\s*(.+?)\s*\]$`)

const defaultPersona = `Você é uma assistente virtual simpática atendendo clientes pelo WhatsApp.
Responda de forma natural e breve, dividindo a resposta em parágrafos curtos separados por linha em branco.
Você pode reagir à última mensagem do cliente com uma linha própria no formato [react: 👍]
e enviar uma figurinha com uma linha própria no formato [sticker: nome].
Use reações e figurinhas com moderação, apenas quando combinarem com o tom da conversa.`

// ReasonerConfig tunes the LLM-backed reasoner.
type ReasonerConfig struct {
	Model       string
	Persona     string
	MaxTokens   int32
	Temperature float32
	// MaxHistory bounds how many transcript messages are replayed to the
	// model per turn.
	MaxHistory int
}

// LLMReasoner implements Reasoner over an LLMClient: it contextualizes the
// flushed batch with history, invokes the model, and parses the reply into
// ordered delivery units.
type LLMReasoner struct {
	client LLMClient
	cfg    ReasonerConfig
}

// NewLLMReasoner builds the reasoner.
func NewLLMReasoner(client LLMClient, cfg ReasonerConfig) *LLMReasoner {
	if client == nil {
		panic("conversation: reasoner LLM client cannot be nil")
	}
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	return &LLMReasoner{client: client, cfg: cfg}
}

// RunTurn produces the ordered delivery units for one flushed batch.
func (r *LLMReasoner) RunTurn(ctx context.Context, conversationID string, history []Message, events []InboundEvent) (*TurnOutput, error) {
	if len(events) == 0 {
		return nil, errors.New("conversation: reasoner requires at least one event")
	}

	req := LLMRequest{
		Model:       r.cfg.Model,
		System:      []string{r.cfg.Persona},
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Messages:    r.buildMessages(history, events),
	}

	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, errors.New("conversation: model returned empty reply")
	}

	units := ParseDeliveryUnits(resp.Text, lastProviderMessageID(events))
	if len(units) == 0 {
		return nil, fmt.Errorf("conversation: no usable units in model reply %q", resp.Text)
	}
	return &TurnOutput{Units: units}, nil
}

// buildMessages replays trimmed history then presents the batch's events as
// one user message, the way a human reads the whole burst before replying.
func (r *LLMReasoner) buildMessages(history []Message, events []InboundEvent) []ChatMessage {
	if len(history) > r.cfg.MaxHistory {
		history = history[len(history)-r.cfg.MaxHistory:]
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		if msg.Kind != "" && msg.Kind != string(UnitText) {
			// Reactions and stickers carry no conversational text.
			continue
		}
		role := ChatRoleUser
		if msg.Role == RoleAssistant {
			role = ChatRoleAssistant
		}
		messages = append(messages, ChatMessage{Role: role, Content: msg.Body})
	}

	parts := make([]string, 0, len(events))
	for _, ev := range events {
		if strings.TrimSpace(ev.Text) != "" {
			parts = append(parts, ev.Text)
		}
	}
	messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: strings.Join(parts, "\n")})
	return messages
}

// ParseDeliveryUnits splits a model reply into ordered units: paragraphs
// become text segments, directive lines become reactions or stickers.
// reactionTarget is the provider message ID reactions attach to; directive
// reactions are dropped when no target is known.
func ParseDeliveryUnits(text, reactionTarget string) []DeliveryUnit {
	var units []DeliveryUnit
	for _, chunk := range strings.Split(text, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}

		if m := directivePattern.FindStringSubmatch(chunk); m != nil {
			switch m[1] {
			case "react":
				if reactionTarget == "" {
					continue
				}
				units = append(units, ReactionUnit(reactionTarget, resolveReaction(m[2])))
			case "sticker":
				if ref := resolveSticker(m[2]); ref != "" {
					units = append(units, StickerUnit(ref))
				}
			}
			continue
		}
		units = append(units, TextUnit(chunk))
	}
	return units
}

func resolveReaction(value string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	if emoji, ok := reactionAliases[key]; ok {
		return emoji
	}
	// Assume the model already emitted an emoji.
	return strings.TrimSpace(value)
}

func resolveSticker(value string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	if url, ok := stickerCollection[key]; ok {
		return url
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return strings.TrimSpace(value)
	}
	return ""
}

func lastProviderMessageID(events []InboundEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ProviderMessageID != "" {
			return events[i].ProviderMessageID
		}
	}
	return ""
}
