package cli

import (
	"context"

	"github.com/m-mizutani/finctx/pkg/embedding"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/chat"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

type indexInspector interface {
	Stats(ctx context.Context) *model.IndexStats
	Mode() embedding.Mode
}

type memoryInspector interface {
	CacheLen() int
	MaxHistory() int
	StoredSessions(ctx context.Context) (int, error)
}

type memoryStats struct {
	ActiveSessions int `json:"active_sessions"`
	StoredSessions int `json:"stored_sessions"`
	MaxHistory     int `json:"max_history"`
}

type llmStats struct {
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

type statsReport struct {
	RAG     *model.IndexStats `json:"rag"`
	LLM     llmStats          `json:"llm"`
	Memory  memoryStats       `json:"memory"`
	Version string            `json:"version"`
}

func newStatsReport(ctx context.Context, idx indexInspector, memory memoryInspector, provider string, gen chat.Generator) *statsReport {
	stored, err := memory.StoredSessions(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to count stored sessions", logging.ErrAttr(err))
	}

	return &statsReport{
		RAG: idx.Stats(ctx),
		LLM: llmStats{
			Provider:  provider,
			Available: gen != nil,
		},
		Memory: memoryStats{
			ActiveSessions: memory.CacheLen(),
			StoredSessions: stored,
			MaxHistory:     memory.MaxHistory(),
		},
		Version: Version,
	}
}

type healthReport struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	LLMStatus     string            `json:"llm_status"`
	RAGStatus     model.IndexStatus `json:"rag_status"`
	EmbeddingMode embedding.Mode    `json:"embedding_mode,omitempty"`
}

// newHealthReport is healthy only when a language model is configured and
// the index is healthy
func newHealthReport(ctx context.Context, idx indexInspector, gen chat.Generator) *healthReport {
	report := &healthReport{
		Status:        statusHealthy,
		Version:       Version,
		LLMStatus:     statusHealthy,
		RAGStatus:     idx.Stats(ctx).Status,
		EmbeddingMode: idx.Mode(),
	}
	if gen == nil {
		report.LLMStatus = statusUnavailable
		report.Status = statusDegraded
	}
	if report.RAGStatus != model.IndexStatusHealthy {
		report.Status = statusDegraded
	}
	return report
}

func statsCommand() *cli.Command {
	var cfg config

	flags := sessionFlags(&cfg)
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "stats",
		Usage: "Show statistics of the knowledge base, language model and session memory",
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

			report := newStatsReport(ctx, idx, store, cfg.llmProvider, cfg.newGenerator(ctx))
			return printJSON(c.Root().Writer, report)
		},
	}
}

func healthCommand() *cli.Command {
	var cfg config

	flags := knowledgeFlags(&cfg)
	flags = append(flags, geminiFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "health",
		Usage: "Report whether the language model and the knowledge base are available",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			idx, err := cfg.newKnowledge(ctx)
			if err != nil {
				return err
			}

			report := newHealthReport(ctx, idx, cfg.newGenerator(ctx))
			if report.Status != statusHealthy {
				logging.From(ctx).Warn("engine is degraded", "llm_status", report.LLMStatus, "rag_status", report.RAGStatus)
			}
			return printJSON(c.Root().Writer, report)
		},
	}
}
