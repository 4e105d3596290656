package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// CouponFields is the best-effort parse of a free-text coupon. Any field
// the model could not identify stays empty; absence never fails the call.
type CouponFields struct {
	Title          string `json:"title"`
	Category       string `json:"category"`
	Company        string `json:"company"`
	CouponCode     string `json:"coupon_code"`
	Description    string `json:"description"`
	ExpirationDate string `json:"expiration_date"`
}

const extractPrompt = "I will give you a coupon description (marked with * at the start and at the end). " +
	"You need to analyze the coupon and return a json object (and nothing else!) with the following fields: " +
	"title,category,company,coupon_code,description and expiration_date in the format yyyy-MM-dd"

// Extractor parses coupon free text into structured fields with an LLM.
type Extractor struct {
	client chatCompleter
	model  string
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewExtractor creates a field extractor backed by an OpenAI-compatible API.
func NewExtractor(apiKey, baseURL, model string) *Extractor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Extractor{client: openai.NewClientWithConfig(cfg), model: model}
}

// ExtractFields asks the model for the structured fields of freeText.
func (e *Extractor) ExtractFields(ctx context.Context, freeText string) (CouponFields, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: extractPrompt + "*" + freeText + "*"},
		},
	})
	if err != nil {
		return CouponFields{}, fmt.Errorf("extract fields: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CouponFields{}, fmt.Errorf("extract fields: empty completion")
	}

	var fields CouponFields
	raw := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return CouponFields{}, fmt.Errorf("extract fields: parse model output: %w", err)
	}
	return fields, nil
}

// stripCodeFence removes a ```json ... ``` wrapper when the model adds one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
