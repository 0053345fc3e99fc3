package knowledge

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
)

// NoRelevantInformation is returned by ContextForQuery when nothing matches
const NoRelevantInformation = "No relevant information found in the knowledge base."

const contextSeparator = "\n---\n"

// Search returns up to n chunks closest to query, most relevant first.
// filter restricts results to chunks whose metadata has all given values.
// Distances are normalized to [0, 1] and RelevanceScore is 1 - Distance.
func (x *Index) Search(ctx context.Context, query string, n int, filter map[string]string) []*model.RetrievalResult {
	results := []*model.RetrievalResult{}

	strategy, col := x.state()
	if col == nil {
		logging.From(ctx).Error("document index is not initialized")
		return results
	}
	if strings.TrimSpace(query) == "" || n <= 0 {
		return results
	}

	vectors, err := strategy.Embed(ctx, []string{query})
	if err != nil {
		logging.From(ctx).Error("failed to embed query", logging.ErrAttr(err))
		return results
	}

	hits, err := col.Query(ctx, vectors[0], n, filter)
	if err != nil {
		logging.From(ctx).Error("failed to query document index", logging.ErrAttr(err))
		return results
	}

	for _, hit := range hits {
		distance := normalizeDistance(hit.Distance)
		results = append(results, &model.RetrievalResult{
			Content:        hit.Content,
			Metadata:       hit.Metadata,
			Distance:       distance,
			RelevanceScore: 1 - distance,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})

	logging.From(ctx).Debug("retrieved documents", "count", len(results), "query", truncate(query, 50))
	return results
}

// normalizeDistance maps a cosine distance in [0, 2] to [0, 1]
func normalizeDistance(d float64) float64 {
	d /= 2
	switch {
	case d < 0:
		return 0
	case d > 1:
		return 1
	}
	return d
}

// ContextForQuery renders the best n matches as "Source: <file>\n<content>\n"
// blocks joined by a separator line. Blocks are added best first until the
// next one, including its separator, would exceed maxChars characters.
func (x *Index) ContextForQuery(ctx context.Context, query string, maxChars, n int) string {
	results := x.Search(ctx, query, n, nil)
	if len(results) == 0 {
		return NoRelevantInformation
	}

	sepLen := utf8.RuneCountInString(contextSeparator)
	var blocks []string
	total := 0
	for _, r := range results {
		block := "Source: " + sourceName(r.Metadata) + "\n" + r.Content + "\n"

		size := utf8.RuneCountInString(block)
		if len(blocks) > 0 {
			size += sepLen
		}
		if total+size > maxChars {
			break
		}

		blocks = append(blocks, block)
		total += size
	}

	return strings.Join(blocks, contextSeparator)
}

func sourceName(meta map[string]string) string {
	source, ok := meta[model.MetaSource]
	if !ok || source == "" {
		return "Unknown"
	}
	return filepath.Base(source)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
