package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/m-mizutani/finctx/pkg/embedding"
	"github.com/m-mizutani/finctx/pkg/loader"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/policy"
	"github.com/m-mizutani/finctx/pkg/repository"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
)

// AddDocument loads, chunks, embeds and stores the file at path. Chunks
// carry metadata merged from the caller, the loader and the ingest policy,
// plus source, chunk_index and total_chunks. It returns false on any failure
// and nothing is stored unless every chunk was embedded.
func (x *Index) AddDocument(ctx context.Context, path string, metadata map[string]string) bool {
	strategy, col := x.state()
	if col == nil {
		logging.From(ctx).Error("document index is not initialized", "path", path)
		return false
	}
	return x.addDocument(ctx, strategy, col, path, metadata)
}

func (x *Index) addDocument(ctx context.Context, strategy embedding.Strategy, col repository.VectorIndex, path string, metadata map[string]string) bool {
	logger := logging.From(ctx).With("path", path)

	info, err := os.Stat(path)
	if err != nil {
		logger.Error("document not found", logging.ErrAttr(err))
		return false
	}
	if info.IsDir() {
		logger.Error("document path is a directory")
		return false
	}

	doc, err := loader.Load(path)
	if err != nil {
		logger.Error("failed to load document", logging.ErrAttr(err))
		return false
	}

	decision, err := x.cfg.Policy.Evaluate(ctx, &policy.Input{
		Path:     path,
		Name:     filepath.Base(path),
		Ext:      doc.Metadata[model.MetaFileType],
		Size:     int(info.Size()),
		Content:  doc.Text,
		Metadata: metadata,
	})
	if err != nil {
		logger.Error("failed to evaluate ingest policy", logging.ErrAttr(err))
		return false
	}
	if !decision.Allow {
		logger.Info("document rejected by ingest policy", "reason", decision.Reason)
		return false
	}

	chunks := x.chunker.Split(doc.Text)
	if len(chunks) == 0 {
		logger.Warn("document has no content")
		return false
	}

	vectors, err := strategy.Embed(ctx, chunks)
	if err != nil {
		logger.Error("failed to embed document", logging.ErrAttr(err))
		return false
	}

	ids := make([]model.ChunkID, len(chunks))
	metadatas := make([]map[string]string, len(chunks))
	for i := range chunks {
		ids[i] = model.NewChunkID()

		meta := make(map[string]string, len(metadata)+len(doc.Metadata)+len(decision.Metadata)+3)
		for _, src := range []map[string]string{metadata, doc.Metadata, decision.Metadata} {
			for k, v := range src {
				meta[k] = v
			}
		}
		meta[model.MetaSource] = path
		meta[model.MetaChunkIndex] = strconv.Itoa(i)
		meta[model.MetaTotalChunks] = strconv.Itoa(len(chunks))
		metadatas[i] = meta
	}

	if err := col.Insert(ctx, ids, chunks, vectors, metadatas); err != nil {
		logger.Error("failed to store document chunks", logging.ErrAttr(err))
		return false
	}

	logger.Info("document added", "chunks", len(chunks))
	return true
}
