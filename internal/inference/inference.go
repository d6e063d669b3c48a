package inference

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized chat request passed to providers.
type Request struct {
	UserID  string
	Message string
	// History holds prior turns, oldest first, already trimmed by the caller.
	History []Message
}

// Usage holds token accounting when the provider reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a normalized provider reply.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}
