package groq

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

func toMessages(instructions string, prompt string) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: instructions})
	}
	return append(messages, message{Role: messageRoleUser, Content: prompt})
}

type usage struct {
	QueueTime        float64 `json:"queue_time"`
	PromptTokens     int     `json:"prompt_tokens"`
	PromptTime       float64 `json:"prompt_time"`
	CompletionTokens int     `json:"completion_tokens"`
	CompletionTime   float64 `json:"completion_time"`
	TotalTokens      int     `json:"total_tokens"`
	TotalTime        float64 `json:"total_time"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Role         messageRole `json:"role,omitempty"`
			Content      string      `json:"content,omitempty"`
			FinishReason *string     `json:"finish_reason,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}
