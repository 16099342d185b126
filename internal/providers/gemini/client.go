// Package gemini adapts the Google GenAI SDK to the provider boundary:
// completions, embeddings, and multimodal document text extraction.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hirewise/aicore/internal/providers"
)

const (
	defaultModel      = "gemini-2.5-flash"
	defaultEmbedModel = "gemini-embedding-001"
	defaultDimension  = 768
)

// Config selects credentials and models for the Gemini backend.
type Config struct {
	APIKey         string
	Model          string
	EmbedModel     string
	EmbedDimension int
}

// Client wraps the Google GenAI client behind the provider interfaces.
type Client struct {
	client     *genai.Client
	model      string
	embedModel string
	dimension  int32
}

var _ providers.DocumentExtractor = (*Client)(nil)
var _ providers.CompletionClient = (*Client)(nil)
var _ providers.Embedder = (*Client)(nil)

// New creates a Client configured for the Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	dimension := cfg.EmbedDimension
	if dimension <= 0 {
		dimension = defaultDimension
	}

	return &Client{
		client:     client,
		model:      model,
		embedModel: embedModel,
		dimension:  int32(dimension),
	}, nil
}

// GenerateCompletion sends the prompt to Gemini and returns the concatenated
// textual response.
func (c *Client) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("gemini: prompt must not be empty")
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return collectText(resp)
}

// GenerateEmbedding embeds the text at the configured output dimensionality.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("gemini: text must not be empty")
	}
	dimension := c.dimension
	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini: api returned empty embedding")
	}
	return resp.Embeddings[0].Values, nil
}

// ExtractText asks the multimodal model to transcribe a document's textual
// content.
func (c *Client) ExtractText(ctx context.Context, doc providers.Document) (string, error) {
	if len(doc.Data) == 0 {
		return "", errors.New("gemini: document is empty")
	}
	mimeType := strings.TrimSpace(doc.MIMEType)
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: "Extract the complete plain text content of this document. Return only the text, no commentary."},
			{InlineData: &genai.Blob{Data: doc.Data, MIMEType: mimeType}},
		},
	}}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini: extract text: %w", err)
	}
	return collectText(resp)
}

// collectText flattens the candidates of a generation response into one
// newline-joined string.
func collectText(resp *genai.GenerateContentResponse) (string, error) {
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("gemini: api returned empty response")
	}
	return output, nil
}
