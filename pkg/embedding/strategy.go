// Package embedding turns text into vectors. A Strategy is either Semantic,
// backed by a pretrained model, or Feature, a deterministic lexical fallback.
// One strategy is selected at startup and used for a whole index; vectors of
// different strategies must never be compared.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeFeature  Mode = "feature"
)

// Strategy is a sealed set of embedding implementations: *Semantic or *Feature.
type Strategy interface {
	Mode() Mode
	// Name is the model identifier
	Name() string
	Dimension() int
	// ID identifies the vector space; safe for use in collection names
	ID() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	sealed()
}

// SemanticModel is a pretrained sentence embedding model
type SemanticModel interface {
	EmbeddingModel() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Semantic delegates to a SemanticModel with a fixed output dimension
type Semantic struct {
	model SemanticModel
	dim   int
}

// NewSemantic probes model once to learn its dimension. Any failure means the
// model is not usable.
func NewSemantic(ctx context.Context, model SemanticModel) (*Semantic, error) {
	vectors, err := model.Embed(ctx, []string{"financial education"})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to probe embedding model", goerr.V("model", model.EmbeddingModel()))
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, goerr.New("embedding model returned no vector", goerr.V("model", model.EmbeddingModel()))
	}

	return &Semantic{model: model, dim: len(vectors[0])}, nil
}

func (x *Semantic) Mode() Mode     { return ModeSemantic }
func (x *Semantic) Name() string   { return x.model.EmbeddingModel() }
func (x *Semantic) Dimension() int { return x.dim }
func (x *Semantic) sealed()        {}

func (x *Semantic) ID() string {
	return fmt.Sprintf("semantic_%s_%d", sanitize(x.model.EmbeddingModel()), x.dim)
}

func (x *Semantic) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := x.model.Embed(ctx, texts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed texts", goerr.V("model", x.Name()))
	}
	for i, v := range vectors {
		if len(v) != x.dim {
			return nil, goerr.New("unexpected embedding dimension",
				goerr.V("index", i),
				goerr.V("expected", x.dim),
				goerr.V("actual", len(v)))
		}
	}
	return vectors, nil
}

// Loader loads a semantic model. It is called once by Select.
type Loader func(ctx context.Context) (SemanticModel, error)

// Select returns a Semantic strategy if loader yields a working model, and
// Feature otherwise. It never fails.
func Select(ctx context.Context, loader Loader) Strategy {
	logger := logging.From(ctx)

	if loader == nil {
		logger.Info("no semantic embedding model configured, use feature embedder")
		return NewFeature()
	}

	model, err := loader(ctx)
	if err != nil {
		logger.Warn("failed to load semantic embedding model, fall back to feature embedder", logging.ErrAttr(err))
		return NewFeature()
	}

	semantic, err := NewSemantic(ctx, model)
	if err != nil {
		logger.Warn("semantic embedding model is unavailable, fall back to feature embedder", logging.ErrAttr(err))
		return NewFeature()
	}

	logger.Info("semantic embedding model loaded", "model", semantic.Name(), "dimension", semantic.Dimension())
	return semantic
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
