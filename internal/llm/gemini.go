package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiModel talks to the Gemini API. Documents are attached as inline
// blobs so PDFs reach the model without local parsing.
type GeminiModel struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini client. Call Close when done.
func NewGemini(ctx context.Context, apiKey, modelName string) (*GeminiModel, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{client: cl, model: strings.TrimSpace(modelName)}, nil
}

func (g *GeminiModel) Name() string { return "gemini/" + g.model }

// Generate sends the documents and instruction and returns the JSON text.
func (g *GeminiModel) Generate(ctx context.Context, req Request) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	parts := make([]genai.Part, 0, len(req.Documents)+2)
	for _, d := range req.Documents {
		parts = append(parts, genai.Blob{MIMEType: d.MIMEType, Data: d.Data})
	}
	parts = append(parts, genai.Text(req.Instruction))
	if len(req.Context) > 0 {
		parts = append(parts, genai.Text("INPUT_JSON:\n"+string(req.Context)))
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", wrapGeminiError(err)
	}
	return firstText(resp), nil
}

// Ping fetches model metadata.
func (g *GeminiModel) Ping(ctx context.Context) error {
	if _, err := g.client.GenerativeModel(g.model).Info(ctx); err != nil {
		return wrapGeminiError(err)
	}
	return nil
}

// Close releases the underlying connection.
func (g *GeminiModel) Close() error {
	return g.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

func wrapGeminiError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code != 0 {
		return &HTTPError{StatusCode: gErr.Code, Err: err}
	}
	var coded interface{ HTTPCode() int }
	if errors.As(err, &coded) && coded.HTTPCode() > 0 {
		return &HTTPError{StatusCode: coded.HTTPCode(), Err: err}
	}
	return err
}

func ptrFloat32(v float32) *float32 { return &v }
