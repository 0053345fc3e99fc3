// Package chat runs one turn of the financial education conversation:
// compose context, ask the language model and record both messages.
package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/composer"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrUnavailable is returned by a Generator that cannot serve requests
	ErrUnavailable = errors.New("language model is unavailable")

	ErrEmptyMessage    = errors.New("message is empty")
	ErrSessionNotFound = errors.New("session not found")
)

const (
	maxSources          = 3
	sourceSearchResults = 3

	confidenceWithSources    = 0.85
	confidenceWithoutSources = 0.7
)

// Generator produces a single answer for prompt
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

type Sessions interface {
	NewSessionID() model.SessionID
	Append(ctx context.Context, id model.SessionID, role model.Role, content string, metadata map[string]any, userID string) error
	Exists(ctx context.Context, id model.SessionID) bool
}

type Knowledge interface {
	Search(ctx context.Context, query string, n int, filter map[string]string) []*model.RetrievalResult
}

type Composer interface {
	Compose(ctx context.Context, req composer.Request) *composer.Context
}

type Chat struct {
	sessions  Sessions
	knowledge Knowledge
	composer  Composer
	generator Generator
}

// New creates a Chat. generator may be nil, in which case every turn is
// answered with FallbackResponse.
func New(sessions Sessions, knowledge Knowledge, comp Composer, generator Generator) *Chat {
	return &Chat{
		sessions:  sessions,
		knowledge: knowledge,
		composer:  comp,
		generator: generator,
	}
}

type Input struct {
	// SessionID continues a conversation. A new session is started if empty.
	SessionID model.SessionID
	UserID    string
	Message   string
	// Context is financial data from the client app, e.g. user_balance
	Context map[string]any
}

type Reply struct {
	SessionID   model.SessionID `json:"session_id"`
	Message     string          `json:"message"`
	Sources     []string        `json:"sources"`
	Confidence  float64         `json:"confidence_score"`
	Suggestions []string        `json:"suggestions"`
	// Fallback is true when Message is FallbackResponse
	Fallback bool `json:"fallback"`
}

// Turn answers input.Message and records the exchange in the session
func (x *Chat) Turn(ctx context.Context, input Input) (*Reply, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, goerr.Wrap(ErrEmptyMessage, "cannot run chat turn")
	}

	id := input.SessionID
	if id == "" {
		id = x.sessions.NewSessionID()
	}
	logger := logging.From(ctx).With("session_id", id)

	composed := x.composer.Compose(ctx, composer.Request{
		SessionID: id,
		Query:     input.Message,
	})

	prompt := promptInput{
		Message:     input.Message,
		History:     composed.History,
		Knowledge:   composed.Knowledge,
		UserContext: formatUserContext(input.Context),
	}

	answer, err := x.generate(ctx, prompt)
	fallback := false
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			logger.Warn("language model is unavailable, use fallback response")
		} else {
			logger.Error("failed to generate answer, use fallback response", logging.ErrAttr(err))
		}
		answer = FallbackResponse
		fallback = true
	}

	results := x.knowledge.Search(ctx, input.Message, sourceSearchResults, nil)

	userMeta := map[string]any{"context": input.Context}
	if err := x.sessions.Append(ctx, id, model.RoleUser, input.Message, userMeta, input.UserID); err != nil {
		return nil, goerr.Wrap(err, "failed to record user message", goerr.V("session_id", id))
	}
	assistantMeta := map[string]any{"rag_sources": len(results)}
	if err := x.sessions.Append(ctx, id, model.RoleAssistant, answer, assistantMeta, input.UserID); err != nil {
		return nil, goerr.Wrap(err, "failed to record assistant message", goerr.V("session_id", id))
	}

	confidence := confidenceWithoutSources
	if len(results) > 0 {
		confidence = confidenceWithSources
	}

	return &Reply{
		SessionID:   id,
		Message:     answer,
		Sources:     uniqueSources(results),
		Confidence:  confidence,
		Suggestions: suggestionsFor(input.Message),
		Fallback:    fallback,
	}, nil
}

func (x *Chat) generate(ctx context.Context, in promptInput) (string, error) {
	if x.generator == nil {
		return "", ErrUnavailable
	}

	systemPrompt, err := buildSystemPrompt(in)
	if err != nil {
		return "", err
	}
	prompt, err := buildChatPrompt(in)
	if err != nil {
		return "", err
	}

	answer, err := x.generator.Generate(ctx, prompt, systemPrompt)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate answer")
	}
	if strings.TrimSpace(answer) == "" {
		return "", goerr.New("language model returned an empty answer")
	}
	return answer, nil
}

// uniqueSources returns the distinct file names of results in rank order
func uniqueSources(results []*model.RetrievalResult) []string {
	seen := make(map[string]struct{})
	sources := []string{}
	for _, r := range results {
		source, ok := r.Metadata[model.MetaSource]
		if !ok || source == "" {
			continue
		}
		name := filepath.Base(source)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, name)
		if len(sources) == maxSources {
			break
		}
	}
	return sources
}
