package repository_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/repository"
	"github.com/m-mizutani/gt"
)

func insertSamples(t *testing.T, idx repository.VectorIndex) []model.ChunkID {
	t.Helper()
	ctx := context.Background()

	ids := []model.ChunkID{model.NewChunkID(), model.NewChunkID(), model.NewChunkID()}
	texts := []string{"budget", "emergency fund", "index funds"}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.1, 0.9, 0},
	}
	metadatas := []map[string]string{
		{model.MetaSource: "budgeting_basics.txt"},
		{model.MetaSource: "emergency_fund.txt"},
		{model.MetaSource: "investing_101.txt"},
	}

	gt.NoError(t, idx.Insert(ctx, ids, texts, vectors, metadatas)).Required()
	return ids
}

func TestChromemIndex(t *testing.T) {
	ctx := context.Background()
	db, err := repository.NewChromem(t.TempDir())
	gt.NoError(t, err).Required()

	idx, err := db.Open(ctx, "financial_docs_test", 3)
	gt.NoError(t, err).Required()

	count, err := idx.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, count, 0)

	hits, err := idx.Query(ctx, []float32{1, 0, 0}, 3, nil)
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)

	ids := insertSamples(t, idx)

	count, err = idx.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, count, 3)

	t.Run("nearest first", func(t *testing.T) {
		hits, err := idx.Query(ctx, []float32{0, 1, 0}, 2, nil)
		gt.NoError(t, err).Required()
		gt.A(t, hits).Length(2)
		gt.Equal(t, hits[0].ID, ids[1])
		gt.Equal(t, hits[0].Content, "emergency fund")
		gt.Equal(t, hits[1].ID, ids[2])
		gt.True(t, hits[0].Distance <= hits[1].Distance)
		gt.True(t, hits[0].Distance >= -1e-6)
		gt.True(t, hits[1].Distance <= 2)
	})

	t.Run("k is clamped to count", func(t *testing.T) {
		hits, err := idx.Query(ctx, []float32{0, 1, 0}, 10, nil)
		gt.NoError(t, err)
		gt.A(t, hits).Length(3)
	})

	t.Run("metadata filter", func(t *testing.T) {
		hits, err := idx.Query(ctx, []float32{0, 1, 0}, 1, map[string]string{model.MetaSource: "budgeting_basics.txt"})
		gt.NoError(t, err).Required()
		gt.A(t, hits).Length(1)
		gt.Equal(t, hits[0].ID, ids[0])
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := idx.Query(ctx, []float32{1, 0}, 1, nil)
		gt.Error(t, err)

		err = idx.Insert(ctx,
			[]model.ChunkID{model.NewChunkID()},
			[]string{"x"},
			[][]float32{{1, 0}},
			[]map[string]string{{}})
		gt.Error(t, err)
	})

	t.Run("mismatched batch", func(t *testing.T) {
		err := idx.Insert(ctx,
			[]model.ChunkID{model.NewChunkID()},
			[]string{"x", "y"},
			[][]float32{{1, 0, 0}},
			[]map[string]string{{}})
		gt.Error(t, err)
	})

	t.Run("sample", func(t *testing.T) {
		hits, err := idx.Sample(ctx, 100)
		gt.NoError(t, err)
		gt.A(t, hits).Length(3)

		hits, err = idx.Sample(ctx, 2)
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
	})
}

func TestChromemPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := repository.NewChromem(dir)
	gt.NoError(t, err).Required()
	idx, err := db.Open(ctx, "persist", 3)
	gt.NoError(t, err).Required()
	insertSamples(t, idx)

	reopened, err := repository.NewChromem(dir)
	gt.NoError(t, err).Required()
	idx2, err := reopened.Open(ctx, "persist", 3)
	gt.NoError(t, err).Required()

	count, err := idx2.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, count, 3)

	other, err := reopened.Open(ctx, "other", 3)
	gt.NoError(t, err).Required()
	count, err = other.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, count, 0)
}
