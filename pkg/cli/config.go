package cli

import (
	"context"
	"io"

	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/finctx/pkg/embedding"
	"github.com/m-mizutani/finctx/pkg/policy"
	"github.com/m-mizutani/finctx/pkg/repository"
	"github.com/m-mizutani/finctx/pkg/usecase/chat"
	"github.com/m-mizutani/finctx/pkg/usecase/knowledge"
	"github.com/m-mizutani/finctx/pkg/usecase/session"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

const (
	providerGemini  = "gemini"
	providerOllama  = "ollama"
	providerFeature = "feature"
	providerNone    = "none"

	backendChromem   = "chromem"
	backendFirestore = "firestore"
)

// config holds configuration values
type config struct {
	// Session store
	memoryDir        string
	maxHistory       int64
	sessionCacheSize int64
	sessionBucket    string

	// Document index
	docsDir        string
	embeddingsDir  string
	collection     string
	vectorBackend  string
	policyDir      string
	project        string
	database       string
	embedProvider  string
	embeddingModel string

	// Language model
	llmProvider    string
	geminiProject  string
	geminiLocation string
	ollamaModel    string

	closers []io.Closer
}

// sessionFlags returns flags of the session store with destination config
func sessionFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "memory-dir",
			Usage:       "Directory of session records",
			Value:       "data/memory",
			Sources:     cli.EnvVars("FINCTX_MEMORY_DIR", "MEMORY_DIR"),
			Destination: &cfg.memoryDir,
		},
		&cli.IntFlag{
			Name:        "max-history",
			Usage:       "Maximum number of messages kept per session",
			Value:       session.DefaultMaxHistory,
			Sources:     cli.EnvVars("FINCTX_MAX_HISTORY", "MAX_CONVERSATION_HISTORY"),
			Destination: &cfg.maxHistory,
		},
		&cli.IntFlag{
			Name:        "session-cache-size",
			Usage:       "Maximum number of sessions held in memory",
			Value:       session.DefaultCacheSize,
			Sources:     cli.EnvVars("FINCTX_SESSION_CACHE_SIZE"),
			Destination: &cfg.sessionCacheSize,
		},
		&cli.StringFlag{
			Name:        "session-bucket",
			Usage:       "Cloud Storage bucket of session records. Local memory-dir is used if empty",
			Sources:     cli.EnvVars("FINCTX_SESSION_BUCKET"),
			Destination: &cfg.sessionBucket,
		},
	}
}

// knowledgeFlags returns flags of the document index with destination config
func knowledgeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "docs-dir",
			Usage:       "Directory of knowledge base documents",
			Value:       knowledge.DefaultDocsDir,
			Sources:     cli.EnvVars("FINCTX_DOCS_DIR", "DOCS_DIR"),
			Destination: &cfg.docsDir,
		},
		&cli.StringFlag{
			Name:        "embeddings-dir",
			Usage:       "Directory of the local vector index",
			Value:       "data/embeddings",
			Sources:     cli.EnvVars("FINCTX_EMBEDDINGS_DIR", "EMBEDDINGS_DIR"),
			Destination: &cfg.embeddingsDir,
		},
		&cli.StringFlag{
			Name:        "collection",
			Usage:       "Base name of the vector collection",
			Value:       knowledge.DefaultCollection,
			Sources:     cli.EnvVars("FINCTX_COLLECTION"),
			Destination: &cfg.collection,
		},
		&cli.StringFlag{
			Name:        "vector-backend",
			Usage:       "Vector index backend (chromem, firestore)",
			Value:       backendChromem,
			Sources:     cli.EnvVars("FINCTX_VECTOR_BACKEND"),
			Destination: &cfg.vectorBackend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "embedding-provider",
			Usage:       "Semantic embedding provider (gemini, ollama, feature)",
			Value:       providerGemini,
			Sources:     cli.EnvVars("FINCTX_EMBEDDING_PROVIDER"),
			Destination: &cfg.embedProvider,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name. Provider default if empty",
			Sources:     cli.EnvVars("FINCTX_EMBEDDING_MODEL", "EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego ingest policies",
			Sources:     cli.EnvVars("FINCTX_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm-provider",
			Usage:       "Language model provider (gemini, ollama, none)",
			Value:       providerGemini,
			Sources:     cli.EnvVars("FINCTX_LLM_PROVIDER"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "ollama-model",
			Usage:       "Ollama generative model",
			Value:       "llama3.2",
			Sources:     cli.EnvVars("OLLAMA_MODEL"),
			Destination: &cfg.ollamaModel,
		},
	}
}

// geminiFlags returns flags of the Gemini client shared by embedding and generation
func geminiFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

func (cfg *config) close(ctx context.Context) {
	for _, c := range cfg.closers {
		if err := c.Close(); err != nil {
			logging.From(ctx).Warn("failed to close client", logging.ErrAttr(err))
		}
	}
	cfg.closers = nil
}

// newStorage creates the object storage of session records
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.sessionBucket != "" {
		storage, err := adapter.NewCloudStorage(ctx, cfg.sessionBucket, "")
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage", goerr.V("bucket", cfg.sessionBucket))
		}
		return storage, nil
	}

	storage, err := adapter.NewFileStorage(cfg.memoryDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage", goerr.V("dir", cfg.memoryDir))
	}
	return storage, nil
}

// newSessionStore creates the session store
func (cfg *config) newSessionStore(ctx context.Context) (*session.Store, error) {
	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	store, err := session.New(storage,
		session.WithMaxHistory(int(cfg.maxHistory)),
		session.WithCacheSize(int(cfg.sessionCacheSize)),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create session store")
	}
	return store, nil
}

// newOpener creates the vector index backend
func (cfg *config) newOpener(ctx context.Context) (repository.Opener, error) {
	switch cfg.vectorBackend {
	case backendChromem:
		opener, err := repository.NewChromem(cfg.embeddingsDir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create chromem backend")
		}
		return opener, nil

	case backendFirestore:
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore backend")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required for firestore backend")
		}
		opener, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore backend")
		}
		cfg.closers = append(cfg.closers, opener)
		return opener, nil

	default:
		return nil, goerr.New("unknown vector backend", goerr.V("backend", cfg.vectorBackend))
	}
}

// embeddingLoader returns the loader of the semantic model. nil means the
// feature embedder is always used.
func (cfg *config) embeddingLoader() embedding.Loader {
	switch cfg.embedProvider {
	case providerGemini:
		return func(ctx context.Context) (embedding.SemanticModel, error) {
			if cfg.geminiProject == "" {
				return nil, goerr.New("gemini-project is required")
			}
			var opts []adapter.GeminiOption
			if cfg.embeddingModel != "" {
				opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
			}
			gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
			if err != nil {
				return nil, err
			}
			return gemini, nil
		}

	case providerOllama:
		return func(ctx context.Context) (embedding.SemanticModel, error) {
			var opts []adapter.OllamaOption
			if cfg.embeddingModel != "" {
				opts = append(opts, adapter.WithOllamaEmbeddingModel(cfg.embeddingModel))
			}
			ollama, err := adapter.NewOllama(opts...)
			if err != nil {
				return nil, err
			}
			return ollama, nil
		}

	case providerFeature:
		return nil

	default:
		return func(ctx context.Context) (embedding.SemanticModel, error) {
			return nil, goerr.New("unknown embedding provider", goerr.V("provider", cfg.embedProvider))
		}
	}
}

// newKnowledge creates and initializes the document index
func (cfg *config) newKnowledge(ctx context.Context) (*knowledge.Index, error) {
	opener, err := cfg.newOpener(ctx)
	if err != nil {
		return nil, err
	}

	p, err := policy.New(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load ingest policy")
	}

	idx, err := knowledge.New(knowledge.Config{
		DocsDir:    cfg.docsDir,
		Collection: cfg.collection,
		Policy:     p,
	}, cfg.embeddingLoader(), opener)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create document index")
	}

	if !idx.Initialize(ctx) {
		logging.From(ctx).Warn("document index is not available, knowledge context is disabled")
	}
	return idx, nil
}

// newGenerator creates the language model. A nil generator makes every chat
// turn answer with the fallback response.
func (cfg *config) newGenerator(ctx context.Context) chat.Generator {
	switch cfg.llmProvider {
	case providerGemini:
		if cfg.geminiProject == "" {
			logging.From(ctx).Warn("gemini-project is not set, language model is disabled")
			return nil
		}
		gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation)
		if err != nil {
			logging.From(ctx).Warn("failed to create gemini client, language model is disabled", logging.ErrAttr(err))
			return nil
		}
		return gemini

	case providerOllama:
		ollama, err := adapter.NewOllama(adapter.WithOllamaGenerativeModel(cfg.ollamaModel))
		if err != nil {
			logging.From(ctx).Warn("failed to create ollama client, language model is disabled", logging.ErrAttr(err))
			return nil
		}
		return ollama

	case providerNone:
		return nil

	default:
		logging.From(ctx).Warn("unknown language model provider, language model is disabled", "provider", cfg.llmProvider)
		return nil
	}
}
