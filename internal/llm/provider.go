package llm

import "context"

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Message struct {
	Text  string
	Usage Usage
	Model string
	// Cached is set when the response came from the response cache and no
	// tokens were billed for this call.
	Cached bool
}

// Provider sends one prompt and returns the model's text plus token usage.
type Provider interface {
	SendMessage(ctx context.Context, prompt string, opts Options) (*Message, error)
}
