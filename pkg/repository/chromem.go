package repository

import (
	"context"
	"os"
	"runtime"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"
)

// Chromem opens collections of a persistent chromem-go database. Documents
// are written to disk on insert.
type Chromem struct {
	db *chromem.DB
}

// NewChromem opens or creates the database in dir
func NewChromem(dir string) (*Chromem, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, goerr.Wrap(err, "failed to create embeddings directory", goerr.V("dir", dir))
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("dir", dir))
	}

	return &Chromem{db: db}, nil
}

// embeddings are always computed by the caller
func precomputedOnly(ctx context.Context, text string) ([]float32, error) {
	return nil, goerr.New("embedding must be supplied by caller")
}

func (x *Chromem) Open(ctx context.Context, name string, dim int) (VectorIndex, error) {
	if dim <= 0 {
		return nil, goerr.New("dimension must be positive", goerr.V("dim", dim))
	}

	col, err := x.db.GetOrCreateCollection(name, nil, precomputedOnly)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open collection", goerr.V("name", name))
	}

	return &chromemIndex{col: col, dim: dim}, nil
}

type chromemIndex struct {
	col *chromem.Collection
	dim int
}

func (x *chromemIndex) Insert(ctx context.Context, ids []model.ChunkID, texts []string, vectors [][]float32, metadatas []map[string]string) error {
	if err := validateInsert(x.dim, ids, texts, vectors, metadatas); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(ids))
	for i := range ids {
		docs[i] = chromem.Document{
			ID:        ids[i].String(),
			Content:   texts[i],
			Embedding: vectors[i],
			Metadata:  metadatas[i],
		}
	}

	if err := x.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return goerr.Wrap(err, "failed to add documents", goerr.V("collection", x.col.Name), goerr.V("count", len(docs)))
	}
	return nil
}

func (x *chromemIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*model.Hit, error) {
	if err := validateVector(x.dim, vector); err != nil {
		return nil, err
	}

	k = min(k, x.col.Count())
	if k <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}

	results, err := x.col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query collection", goerr.V("collection", x.col.Name), goerr.V("k", k))
	}

	hits := make([]*model.Hit, len(results))
	for i, r := range results {
		hits[i] = toHit(r)
	}
	return hits, nil
}

func (x *chromemIndex) Count(ctx context.Context) (int, error) {
	return x.col.Count(), nil
}

// Sample queries with a uniform probe vector since chromem-go has no
// listing API.
func (x *chromemIndex) Sample(ctx context.Context, limit int) ([]*model.Hit, error) {
	limit = min(limit, x.col.Count())
	if limit <= 0 {
		return nil, nil
	}

	probe := make([]float32, x.dim)
	for i := range probe {
		probe[i] = 1
	}

	results, err := x.col.QueryEmbedding(ctx, probe, limit, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to sample collection", goerr.V("collection", x.col.Name))
	}

	hits := make([]*model.Hit, len(results))
	for i, r := range results {
		hits[i] = toHit(r)
	}
	return hits, nil
}

func toHit(r chromem.Result) *model.Hit {
	return &model.Hit{
		ID:       model.ChunkID(r.ID),
		Content:  r.Content,
		Metadata: r.Metadata,
		Distance: float64(1 - r.Similarity),
	}
}
