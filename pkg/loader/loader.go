// Package loader reads knowledge base documents into plain text.
package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrUnsupported is returned for file types that cannot be converted to text
	ErrUnsupported = errors.New("unsupported document type")
)

// Document is the text content of a file and the metadata derived from it
type Document struct {
	Source   string
	Text     string
	Metadata map[string]string
}

type parser func(data []byte) (text string, meta map[string]string, err error)

var parsers = map[string]parser{
	".txt":      parsePlainText,
	".text":     parsePlainText,
	".md":       parseMarkdown,
	".markdown": parseMarkdown,
}

// Supported reports whether path has an extension that Load can read
func Supported(path string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads path and dispatches on its extension. PDF and other binary
// formats return ErrUnsupported.
func Load(path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	parse, ok := parsers[ext]
	if !ok {
		return nil, goerr.Wrap(ErrUnsupported, "no loader for file type", goerr.V("path", path), goerr.V("ext", ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read document", goerr.V("path", path))
	}

	text, meta, err := parse(decodeText(data))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse document", goerr.V("path", path))
	}
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[model.MetaFileType] = ext

	return &Document{
		Source:   path,
		Text:     text,
		Metadata: meta,
	}, nil
}

// decodeText returns data as is when it is valid UTF-8 and otherwise
// interprets it as Latin-1.
func decodeText(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var b strings.Builder
	b.Grow(len(data) * 2)
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return []byte(b.String())
}

func parsePlainText(data []byte) (string, map[string]string, error) {
	return string(data), nil, nil
}
