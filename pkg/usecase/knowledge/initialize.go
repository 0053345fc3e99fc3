package knowledge

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/m-mizutani/finctx/pkg/embedding"
	"github.com/m-mizutani/finctx/pkg/loader"
	"github.com/m-mizutani/finctx/pkg/repository"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

//go:embed samples/*.txt
var sampleDocs embed.FS

// Initialize selects the embedding strategy, opens the collection and seeds
// it from the docs directory when it is empty. It runs once; later calls
// return true without doing anything. It returns false only if the docs
// directory or the collection cannot be opened.
func (x *Index) Initialize(ctx context.Context) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.col != nil {
		return true
	}

	logger := logging.From(ctx)

	if err := os.MkdirAll(x.cfg.DocsDir, 0750); err != nil {
		logger.Error("failed to create docs directory", "dir", x.cfg.DocsDir, logging.ErrAttr(err))
		return false
	}

	strategy := embedding.Select(ctx, x.loader)

	name := x.cfg.Collection + "_" + strategy.ID()
	col, err := x.opener.Open(ctx, name, strategy.Dimension())
	if err != nil {
		logger.Error("failed to open vector collection", "collection", name, logging.ErrAttr(err))
		return false
	}

	count, err := col.Count(ctx)
	if err != nil {
		logger.Error("failed to count vector collection", "collection", name, logging.ErrAttr(err))
		return false
	}

	logger.Info("document index opened",
		"collection", name,
		"documents", count,
		"embedding_mode", strategy.Mode(),
		"embedding_model", strategy.Name())

	if count == 0 {
		if err := x.seed(ctx, strategy, col); err != nil {
			logger.Warn("failed to seed document index", logging.ErrAttr(err))
		}
	}

	x.strategy, x.col = strategy, col
	return true
}

func (x *Index) seed(ctx context.Context, strategy embedding.Strategy, col repository.VectorIndex) error {
	logger := logging.From(ctx)

	entries, err := os.ReadDir(x.cfg.DocsDir)
	if err != nil {
		return goerr.Wrap(err, "failed to read docs directory", goerr.V("dir", x.cfg.DocsDir))
	}
	if len(entries) == 0 {
		if err := writeSamples(x.cfg.DocsDir); err != nil {
			return err
		}
		logger.Info("wrote sample documents", "dir", x.cfg.DocsDir)
	}

	var files []string
	err = filepath.WalkDir(x.cfg.DocsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && loader.Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to walk docs directory", goerr.V("dir", x.cfg.DocsDir))
	}

	var added atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(x.cfg.SeedConcurrency)
	for _, file := range files {
		eg.Go(func() error {
			if x.addDocument(ctx, strategy, col, file, nil) {
				added.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return goerr.Wrap(err, "failed to seed documents")
	}

	logger.Info("seeded document index", "files", len(files), "added", added.Load())
	return nil
}

func writeSamples(dir string) error {
	samples, err := fs.Glob(sampleDocs, "samples/*.txt")
	if err != nil {
		return goerr.Wrap(err, "failed to list sample documents")
	}

	for _, sample := range samples {
		data, err := sampleDocs.ReadFile(sample)
		if err != nil {
			return goerr.Wrap(err, "failed to read sample document", goerr.V("name", sample))
		}

		path := filepath.Join(dir, filepath.Base(sample))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return goerr.Wrap(err, "failed to write sample document", goerr.V("path", path))
		}
	}
	return nil
}
