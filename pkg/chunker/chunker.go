// Package chunker splits document text into fixed-size overlapping windows.
package chunker

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

type Chunker struct {
	size    int
	overlap int
}

type Option func(*Chunker)

func WithSize(size int) Option {
	return func(c *Chunker) {
		c.size = size
	}
}

func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		size:    DefaultSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.size <= 0 {
		return nil, goerr.New("chunk size must be positive", goerr.V("size", c.size))
	}
	if c.overlap < 0 || c.overlap >= c.size {
		return nil, goerr.New("chunk overlap must be in [0, size)",
			goerr.V("size", c.size),
			goerr.V("overlap", c.overlap))
	}

	return c, nil
}

// Split cuts text into windows of at most size characters. Consecutive
// windows start size-overlap characters apart and a window is started at
// every such offset before the end of text. Whitespace-only windows are
// dropped.
func (x *Chunker) Split(text string) []string {
	runes := []rune(text)
	step := x.size - x.overlap

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+x.size, len(runes))
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}

	return chunks
}
