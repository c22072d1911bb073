package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/logger"
)

// Mode is the pipeline branch chosen for a message.
type Mode string

const (
	// ModeChat answers directly with the classifier-provided reply.
	ModeChat Mode = "chat"
	// ModeSearch retrieves evidence for the refined query first.
	ModeSearch Mode = "search"
)

// Decision is the router's verdict for one message. Chat mode carries
// the reply text; search mode carries the refined retrieval query.
type Decision struct {
	Mode  Mode   `json:"mode"`
	Reply string `json:"reply,omitempty"`
	Query string `json:"search_query,omitempty"`
}

// Router classifies an incoming message. Classification is advisory:
// it can be slow or wrong, never fatal.
type Router interface {
	Classify(ctx context.Context, history []llm.Message, message string) (Decision, error)
}

const (
	routerDeadline = 300 * time.Millisecond
	routerAttempts = 2
	routerTailLen  = 4

	routerPrompt = `You route chat messages for a retrieval-augmented assistant.
Respond with JSON only, no prose.
If the message can be answered from the conversation alone (greetings,
clarifications, follow-ups, small talk), respond:
  {"mode":"chat","reply":"<your short reply>"}
If answering needs facts from the knowledge base, respond:
  {"mode":"search","search_query":"<a self-contained retrieval query>"}`
)

// LLMRouter asks a small model to pick the branch. The model should be
// the fastest one available; the deadline is tight.
type LLMRouter struct {
	llm    llm.Service
	model  string
	logger *slog.Logger
}

// NewLLMRouter creates the model-backed router.
func NewLLMRouter(svc llm.Service, model string, log *slog.Logger) *LLMRouter {
	if log == nil {
		log = logger.NewNope()
	}
	return &LLMRouter{llm: svc, model: model, logger: log}
}

// Classify tries the classifier up to twice under a tight deadline. On
// persistent failure it returns an error; the caller falls back to
// search with the original message.
func (r *LLMRouter) Classify(ctx context.Context, history []llm.Message, message string) (Decision, error) {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: routerPrompt})
	// Only the tail of the history matters for routing.
	if n := len(history); n > routerTailLen {
		history = history[n-routerTailLen:]
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	var lastErr error
	for attempt := 1; attempt <= routerAttempts; attempt++ {
		decision, err := r.classifyOnce(ctx, messages)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.DebugContext(ctx, "router attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	return Decision{}, lastErr
}

func (r *LLMRouter) classifyOnce(ctx context.Context, messages []llm.Message) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, routerDeadline)
	defer cancel()

	answer, _, err := r.llm.Chat(ctx, llm.Request{
		Messages:  messages,
		Model:     r.model,
		MaxTokens: 200,
	})
	if err != nil {
		return Decision{}, err
	}
	return parseDecision(answer)
}

// parseDecision tolerates code fences and surrounding prose as long as
// one JSON object is present.
func parseDecision(answer string) (Decision, error) {
	start := strings.IndexByte(answer, '{')
	end := strings.LastIndexByte(answer, '}')
	if start < 0 || end <= start {
		return Decision{}, ErrBadVerdict
	}

	var d Decision
	if err := json.Unmarshal([]byte(answer[start:end+1]), &d); err != nil {
		return Decision{}, ErrBadVerdict
	}
	switch d.Mode {
	case ModeChat, ModeSearch:
		return d, nil
	}
	return Decision{}, ErrBadVerdict
}

var _ Router = (*LLMRouter)(nil)
