package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

const defaultMaxTokens = 4000

// BedrockProvider talks to Claude models on Bedrock using the Anthropic
// messages payload.
type BedrockProvider struct {
	client       BedrockClient
	defaultModel string
}

func NewBedrockProvider(c BedrockClient, defaultModel string) *BedrockProvider {
	return &BedrockProvider{client: c, defaultModel: strings.TrimSpace(defaultModel)}
}

type bedrockResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

func (p *BedrockProvider) SendMessage(ctx context.Context, prompt string, opts Options) (*Message, error) {
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = p.defaultModel
	}
	if modelID == "" {
		return nil, fmt.Errorf("missing bedrock model id")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"temperature":       opts.Temperature,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock payload: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock InvokeModel %s: %w", modelID, err)
	}

	var raw bedrockResponse
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return nil, fmt.Errorf("bedrock response unmarshal: %w; raw=%s", err, truncate(string(out.Body), 800))
	}

	var text strings.Builder
	for _, c := range raw.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	model := raw.Model
	if model == "" {
		model = modelID
	}
	return &Message{
		Text:  strings.TrimSpace(text.String()),
		Usage: raw.Usage,
		Model: model,
	}, nil
}
