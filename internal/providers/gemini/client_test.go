package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "api key is required")

	_, err = New(context.Background(), Config{APIKey: "   "})
	require.ErrorContains(t, err, "api key is required")
}

func TestCollectTextJoinsCandidates(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: " first "}, {Text: ""}}}},
			nil,
			{Content: &genai.Content{Parts: []*genai.Part{{Text: "second"}}}},
		},
	}
	text, err := collectText(resp)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", text)
}

func TestCollectTextEmptyResponse(t *testing.T) {
	_, err := collectText(&genai.GenerateContentResponse{})
	require.ErrorContains(t, err, "empty response")
}
