// Package llm defines the chat exchange types, the provider adapter
// contract, and the unified error hierarchy for outbound model calls.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat exchange. Content is plain text; this
// system never sends tool calls or multimodal parts.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// ChatRequest is a single non-streaming completion request.
type ChatRequest struct {
	Model    string
	Messages []Message

	// JSONMode asks the provider for a best-effort parseable JSON body.
	JSONMode bool

	// Temperature <= 0 means provider default.
	Temperature float64

	// ContextTokens is a context-window hint for providers that accept
	// one (ollama num_ctx). Zero means provider default.
	ContextTokens int

	// MaxOutputTokens caps generation length. Zero means no cap.
	MaxOutputTokens int
}

// Provider is the adapter contract. Chat returns the assistant text of
// the first choice; adapters map transport and HTTP failures onto the
// error hierarchy in errors.go so retry decisions stay provider-neutral.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (string, error)
	// Health reports whether the endpoint is usable at startup.
	Health(ctx context.Context) error
}
