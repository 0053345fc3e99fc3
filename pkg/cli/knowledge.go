package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/finctx/pkg/loader"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/composer"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	var (
		cfg  config
		meta []string
	)

	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "meta",
			Aliases:     []string{"m"},
			Usage:       "Metadata attached to every chunk as key=value",
			Destination: &meta,
		},
	}
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:      "ingest",
		Usage:     "Add documents to the knowledge base",
		ArgsUsage: "<file-or-dir>...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			if c.Args().Len() == 0 {
				return goerr.New("at least one file or directory is required")
			}

			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}

			var paths []string
			for _, arg := range c.Args().Slice() {
				found, err := collectDocuments(arg)
				if err != nil {
					return err
				}
				paths = append(paths, found...)
			}

			idx, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}
			w := c.Root().Writer
			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			sp.Start()

			var added, failed int
			for i, path := range paths {
				sp.Suffix = fmt.Sprintf(" ingesting %s (%d/%d)", path, i+1, len(paths))
				if idx.AddDocument(ctx, path, metadata) {
					added++
				} else {
					failed++
				}
			}
			sp.Stop()

			fmt.Fprintf(w, "Added %d document(s), %d failed\n", added, failed)
			if failed > 0 {
				return goerr.New("some documents were not added", goerr.V("failed", failed))
			}
			return nil
		},
	}
}

// collectDocuments expands a directory into its supported files
func collectDocuments(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to stat path", goerr.V("path", path))
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && loader.Supported(p) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to walk directory", goerr.V("path", path))
	}
	return paths, nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, goerr.New("metadata must be key=value", goerr.V("value", pair))
		}
		meta[key] = value
	}
	return meta, nil
}

func searchCommand() *cli.Command {
	var (
		cfg    config
		limit  int64
		source string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of results",
			Value:       composer.DefaultKnowledgeResults,
			Destination: &limit,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Restrict results to a source document path",
			Destination: &source,
		},
	}
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Search the knowledge base",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			query := strings.Join(c.Args().Slice(), " ")
			if query == "" {
				return goerr.New("query is required")
			}

			idx, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}
			var filter map[string]string
			if source != "" {
				filter = map[string]string{model.MetaSource: source}
			}

			w := c.Root().Writer
			results := idx.Search(ctx, query, int(limit), filter)
			if len(results) == 0 {
				fmt.Fprintf(w, "No results\n")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(w, "%d. %s [chunk %s/%s] relevance=%.3f\n",
					i+1, r.Metadata[model.MetaSource], r.Metadata[model.MetaChunkIndex], r.Metadata[model.MetaTotalChunks], r.RelevanceScore)
				fmt.Fprintf(w, "   %s\n", preview(r.Content, 120))
			}
			return nil
		},
	}
}

func contextCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session ID whose history is included",
			Destination: &sessionID,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:      "context",
		Usage:     "Show the composed history and knowledge context for a query",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}
			idx, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}
			composed := composer.New(store, idx).Compose(ctx, composer.Request{
				SessionID: model.SessionID(sessionID),
				Query:     strings.Join(c.Args().Slice(), " "),
			})
			return printJSON(c.Root().Writer, composed)
		},
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
