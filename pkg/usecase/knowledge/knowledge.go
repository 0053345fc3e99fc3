// Package knowledge is the document index of the financial education
// knowledge base: it ingests documents as embedded chunks and retrieves the
// chunks closest to a query.
package knowledge

import (
	"sync"

	"github.com/m-mizutani/finctx/pkg/chunker"
	"github.com/m-mizutani/finctx/pkg/embedding"
	"github.com/m-mizutani/finctx/pkg/policy"
	"github.com/m-mizutani/finctx/pkg/repository"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultDocsDir         = "data/docs"
	DefaultCollection      = "financial_docs"
	DefaultSeedConcurrency = 4
)

type Config struct {
	DocsDir    string
	Collection string
	// ChunkSize and ChunkOverlap fall back to the chunker defaults only when
	// both are zero. Set ChunkSize alone to split without overlap.
	ChunkSize       int
	ChunkOverlap    int
	SeedConcurrency int
	// Policy gates ingestion. nil admits every document.
	Policy *policy.Policy
}

func (c *Config) setDefaults() {
	if c.DocsDir == "" {
		c.DocsDir = DefaultDocsDir
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = chunker.DefaultSize
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = chunker.DefaultOverlap
		}
	}
	if c.SeedConcurrency <= 0 {
		c.SeedConcurrency = DefaultSeedConcurrency
	}
}

// Index is safe for concurrent use. All operations other than Initialize
// report an uninitialized index as empty results.
type Index struct {
	cfg     Config
	loader  embedding.Loader
	opener  repository.Opener
	chunker *chunker.Chunker

	mu       sync.RWMutex
	strategy embedding.Strategy
	col      repository.VectorIndex
}

// New creates an uninitialized index. loader may be nil to always use the
// feature embedder.
func New(cfg Config, loader embedding.Loader, opener repository.Opener) (*Index, error) {
	cfg.setDefaults()

	c, err := chunker.New(chunker.WithSize(cfg.ChunkSize), chunker.WithOverlap(cfg.ChunkOverlap))
	if err != nil {
		return nil, goerr.Wrap(err, "invalid chunk configuration")
	}
	if opener == nil {
		return nil, goerr.New("vector index opener is required")
	}

	return &Index{
		cfg:     cfg,
		loader:  loader,
		opener:  opener,
		chunker: c,
	}, nil
}

// state returns the selected strategy and collection, or nils before
// initialization
func (x *Index) state() (embedding.Strategy, repository.VectorIndex) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.strategy, x.col
}

// Mode returns the embedding mode in use, or empty before initialization
func (x *Index) Mode() embedding.Mode {
	strategy, _ := x.state()
	if strategy == nil {
		return ""
	}
	return strategy.Mode()
}
