package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/finctx/pkg/service/mcp"
	"github.com/m-mizutani/finctx/pkg/usecase/composer"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Serve streamable HTTP on this address instead of stdio",
			Sources:     cli.EnvVars("FINCTX_MCP_ADDR"),
			Destination: &addr,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the context tools as an MCP server",
		Flags: flags,
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

			server := mcp.NewServer(Version, idx, store, composer.New(store, idx))
			if addr == "" {
				return server.Serve(ctx)
			}
			return serveHTTP(ctx, addr, server.Handler())
		},
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("starting MCP server", "transport", "http", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "failed to serve MCP over HTTP", goerr.V("addr", addr))
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shutdown MCP server")
		}
		return nil
	}
}
