package loader

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// parseMarkdown strips block markup and keeps the text of headings,
// paragraphs, list items and code blocks. YAML front matter becomes metadata
// and the first heading is recorded as title unless front matter sets one.
func parseMarkdown(data []byte) (string, map[string]string, error) {
	meta, body, err := splitFrontMatter(data)
	if err != nil {
		return "", nil, err
	}

	root := goldmark.DefaultParser().Parse(text.NewReader(body))

	var blocks []string
	var title string
	err = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch v := n.(type) {
		case *ast.Heading:
			line := blockText(v, body)
			if line == "" {
				return ast.WalkSkipChildren, nil
			}
			if title == "" {
				title = line
			}
			blocks = append(blocks, line)
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.TextBlock, *ast.FencedCodeBlock, *ast.CodeBlock:
			if line := blockText(v, body); line != "" {
				blocks = append(blocks, line)
			}
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", nil, goerr.Wrap(err, "failed to walk markdown")
	}

	if _, ok := meta["title"]; !ok && title != "" {
		meta["title"] = title
	}

	return strings.Join(blocks, "\n\n"), meta, nil
}

func blockText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.TrimSpace(buf.String())
}

func splitFrontMatter(data []byte) (map[string]string, []byte, error) {
	meta := make(map[string]string)

	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte(frontMatterDelimiter+"\n")) {
		return meta, normalized, nil
	}

	rest := normalized[len(frontMatterDelimiter)+1:]
	end := bytes.Index(rest, []byte("\n"+frontMatterDelimiter+"\n"))
	var header, body []byte
	switch {
	case end >= 0:
		header = rest[:end]
		body = rest[end+len(frontMatterDelimiter)+2:]
	case bytes.HasSuffix(rest, []byte("\n"+frontMatterDelimiter)):
		header = rest[:len(rest)-len(frontMatterDelimiter)-1]
	default:
		// An opening delimiter alone is a thematic break, not front matter
		return meta, normalized, nil
	}

	var values map[string]any
	if err := yaml.Unmarshal(header, &values); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to parse front matter")
	}

	for key, value := range values {
		meta[key] = stringify(value)
	}

	return meta, body, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, stringify(item))
		}
		return strings.Join(items, ", ")
	default:
		return fmt.Sprint(t)
	}
}
