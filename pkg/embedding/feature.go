package embedding

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// FeatureDimension is the fixed vector length of the feature embedder
const FeatureDimension = 32

var (
	digitGroupPattern = regexp.MustCompile(`\d+`)

	featureKeywords = []string{
		"budget", "save", "invest", "debt", "money", "financial", "credit", "loan", "bank",
	}
)

// Feature derives vectors from shallow lexical features. Relevance is much
// weaker than with a semantic model but it works without any model.
type Feature struct{}

func NewFeature() *Feature { return &Feature{} }

func (x *Feature) Mode() Mode     { return ModeFeature }
func (x *Feature) Name() string   { return "lexical-features" }
func (x *Feature) Dimension() int { return FeatureDimension }
func (x *Feature) ID() string     { return "feature_32" }
func (x *Feature) sealed()        {}

func (x *Feature) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = FeatureVector(text)
	}
	return vectors, nil
}

// FeatureVector computes the feature vector of text. Each feature is divided
// by its normalization constant and clamped to [0, 1].
func FeatureVector(text string) []float32 {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}

	type feature struct {
		value float64
		max   float64
	}
	features := []feature{
		{float64(utf8.RuneCountInString(text)), 1000},
		{float64(len(words)), 200},
		{float64(strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")), 20},
		{float64(strings.Count(text, "$")), 10},
		{float64(strings.Count(text, "%")), 10},
		{float64(len(digitGroupPattern.FindAllStringIndex(text, -1))), 50},
		{float64(len(unique)), 100},
	}
	for _, kw := range featureKeywords {
		features = append(features, feature{float64(strings.Count(lower, kw)), 20})
	}

	vec := make([]float32, FeatureDimension)
	for i, f := range features {
		v := f.value / f.max
		if v > 1 {
			v = 1
		}
		vec[i] = float32(v)
	}
	return vec
}
