package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"
)

// OllamaClient talks to a local Ollama server (OLLAMA_HOST)
type OllamaClient struct {
	client          *api.Client
	generativeModel string
	embeddingModel  string
	keepAlive       time.Duration
}

type OllamaOption func(*OllamaClient)

func WithOllamaGenerativeModel(model string) OllamaOption {
	return func(o *OllamaClient) {
		o.generativeModel = model
	}
}

func WithOllamaEmbeddingModel(model string) OllamaOption {
	return func(o *OllamaClient) {
		o.embeddingModel = model
	}
}

func NewOllama(opts ...OllamaOption) (*OllamaClient, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ollama client")
	}

	o := &OllamaClient{
		client:          client,
		generativeModel: "llama3.2",
		embeddingModel:  "nomic-embed-text",
		keepAlive:       60 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *OllamaClient) EmbeddingModel() string { return o.embeddingModel }

// Embed embeds all texts in one request
func (o *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{
		Model:     o.embeddingModel,
		Input:     texts,
		KeepAlive: &api.Duration{Duration: o.keepAlive},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed with ollama", goerr.V("model", o.embeddingModel))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Embeddings)))
	}
	return resp.Embeddings, nil
}

// Generate produces a single text answer for prompt
func (o *OllamaClient) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	stream := false
	var out strings.Builder

	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.generativeModel,
		Prompt: prompt,
		System: systemPrompt,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate with ollama", goerr.V("model", o.generativeModel))
	}

	return strings.TrimSpace(out.String()), nil
}
