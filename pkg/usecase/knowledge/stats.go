package knowledge

import (
	"context"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
)

const (
	statsSampleSize = 100
	statsMaxSources = 10
)

// Stats reports the state of the index. Unique sources are counted by file
// name over a sample of at most 100 chunks.
func (x *Index) Stats(ctx context.Context) *model.IndexStats {
	strategy, col := x.state()
	if col == nil {
		return &model.IndexStats{Status: model.IndexStatusNotInitialized}
	}

	stats := &model.IndexStats{
		EmbeddingMode:  string(strategy.Mode()),
		EmbeddingModel: strategy.Name(),
	}

	count, err := col.Count(ctx)
	if err != nil {
		logging.From(ctx).Error("failed to count documents", logging.ErrAttr(err))
		stats.Status = model.IndexStatusError
		stats.Error = err.Error()
		return stats
	}

	samples, err := col.Sample(ctx, min(statsSampleSize, count))
	if err != nil {
		logging.From(ctx).Error("failed to sample documents", logging.ErrAttr(err))
		stats.Status = model.IndexStatusError
		stats.Error = err.Error()
		return stats
	}

	seen := make(map[string]struct{})
	sources := []string{}
	for _, hit := range samples {
		if _, ok := hit.Metadata[model.MetaSource]; !ok {
			continue
		}
		source := sourceName(hit.Metadata)
		if _, dup := seen[source]; dup {
			continue
		}
		seen[source] = struct{}{}
		sources = append(sources, source)
	}

	stats.Status = model.IndexStatusHealthy
	stats.TotalDocuments = count
	stats.UniqueSources = len(seen)
	stats.Sources = sources[:min(statsMaxSources, len(sources))]
	return stats
}
