package repository

import (
	"context"
	"errors"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// ErrMissingVectorIndex is returned when the backend has no vector index for
// the embedding field of a collection
var ErrMissingVectorIndex = errors.New("vector index is missing")

// VectorIndex is a named collection of embedded document chunks
type VectorIndex interface {
	// Insert stores chunks in one batch. All slices must have the same length
	// and every vector must have the dimension of the collection.
	Insert(ctx context.Context, ids []model.ChunkID, texts []string, vectors [][]float32, metadatas []map[string]string) error

	// Query returns up to k hits ordered by ascending cosine distance. filter
	// restricts hits to chunks whose metadata equals every given value.
	Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*model.Hit, error)

	// Count returns the number of stored chunks
	Count(ctx context.Context) (int, error)

	// Sample returns up to limit stored chunks in no particular order
	Sample(ctx context.Context, limit int) ([]*model.Hit, error)
}

// Opener opens a collection of the given vector dimension, creating it if it
// does not exist.
type Opener interface {
	Open(ctx context.Context, name string, dim int) (VectorIndex, error)
}

func validateInsert(dim int, ids []model.ChunkID, texts []string, vectors [][]float32, metadatas []map[string]string) error {
	if len(texts) != len(ids) || len(vectors) != len(ids) || len(metadatas) != len(ids) {
		return goerr.New("mismatched insert batch",
			goerr.V("ids", len(ids)),
			goerr.V("texts", len(texts)),
			goerr.V("vectors", len(vectors)),
			goerr.V("metadatas", len(metadatas)))
	}
	for i, v := range vectors {
		if err := validateVector(dim, v); err != nil {
			return goerr.Wrap(err, "invalid vector in batch", goerr.V("index", i), goerr.V("id", ids[i]))
		}
	}
	return nil
}

func validateVector(dim int, v []float32) error {
	if len(v) != dim {
		return goerr.New("vector dimension mismatch", goerr.V("expected", dim), goerr.V("actual", len(v)))
	}
	return nil
}
