package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/autograder/internal/model"
)

// OpenAIModel talks to an OpenAI-compatible chat completion API.
type OpenAIModel struct {
	api         *openai.Client
	model       string
	temperature float32
}

// NewOpenAI creates a model client for an OpenAI-compatible endpoint.
func NewOpenAI(baseURL, apiKey, modelName string) *OpenAIModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIModel{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		temperature: 0.1,
	}
}

func (o *OpenAIModel) Name() string { return "openai/" + o.model }

// Generate sends the request as a chat completion in JSON mode.
// Text documents are inlined and images are sent as data URLs; PDFs are not
// accepted by the chat completion API and are rejected.
func (o *OpenAIModel) Generate(ctx context.Context, req Request) (string, error) {
	parts, err := userParts(req)
	if err != nil {
		return "", err
	}

	system := req.System
	if req.Shape == ShapeArray {
		// JSON mode only produces objects.
		system += "\nWrap the JSON list in an object under the single key \"items\"."
	}

	resp, err := o.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: o.temperature,
	})
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping lists models to verify the endpoint and key.
func (o *OpenAIModel) Ping(ctx context.Context) error {
	_, err := o.api.ListModels(ctx)
	if err != nil {
		return wrapOpenAIError(err)
	}
	return nil
}

func userParts(req Request) ([]openai.ChatMessagePart, error) {
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: req.Instruction},
	}
	if len(req.Context) > 0 {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "INPUT_JSON:\n" + string(req.Context),
		})
	}
	for _, d := range req.Documents {
		part, err := documentPart(d)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func documentPart(d model.Document) (openai.ChatMessagePart, error) {
	mime := strings.ToLower(strings.TrimSpace(d.MIMEType))
	switch {
	case strings.HasPrefix(mime, "text/"):
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "DOCUMENT " + d.Name + ":\n" + string(d.Data),
		}, nil
	case isOpenAIImageMIME(mime):
		url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(d.Data)
		return openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh},
		}, nil
	default:
		return openai.ChatMessagePart{}, fmt.Errorf("%s (%s): %w", d.Name, mime, ErrUnsupportedDocument)
	}
}

func isOpenAIImageMIME(m string) bool {
	switch m {
	case "image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif":
		return true
	}
	return false
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
