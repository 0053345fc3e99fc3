package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

func setupGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1")
	gt.NoError(t, err).Required()
	return client
}

func TestGenerateContent(t *testing.T) {
	client := setupGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: "What is an emergency fund?"},
			},
		},
	}

	resp, err := client.GenerateContent(ctx, contents, nil)
	if err != nil {
		t.Fatal("failed to call GenerateContent", err)
	}

	if resp == nil ||
		len(resp.Candidates) == 0 ||
		resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 ||
		resp.Candidates[0].Content.Parts[0].Text == "" {
		t.Fatal("unexpected response")
	}

	t.Log("response:", resp.Candidates[0].Content.Parts[0].Text)
}

func TestGeminiGenerate(t *testing.T) {
	client := setupGemini(t)

	text, err := client.Generate(context.Background(), "Explain the 50/30/20 rule in one sentence.", "You are a financial educator.")
	gt.NoError(t, err).Required()
	gt.True(t, text != "")
}

func TestGeminiEmbedding(t *testing.T) {
	client := setupGemini(t)

	vectors, err := client.Embedding(context.Background(), []string{"budget", "emergency fund"})
	gt.NoError(t, err).Required()
	gt.A(t, vectors).Length(2)
	gt.A(t, vectors[0]).Length(768)
}
