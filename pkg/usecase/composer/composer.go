// Package composer assembles the two context strings handed to the language
// model for one turn: recent conversation and relevant knowledge.
package composer

import (
	"context"

	"github.com/m-mizutani/finctx/pkg/model"
)

const (
	DefaultHistoryMessages  = 10
	DefaultHistoryChars     = 2000
	DefaultKnowledgeChars   = 1500
	DefaultKnowledgeResults = 3
)

// History is the part of the session store used by Composer
type History interface {
	RecentContext(ctx context.Context, id model.SessionID, maxMessages, maxChars int) string
}

// Knowledge is the part of the document index used by Composer
type Knowledge interface {
	ContextForQuery(ctx context.Context, query string, maxChars, n int) string
}

type Request struct {
	SessionID model.SessionID
	Query     string

	// Zero values are replaced by the defaults
	HistoryMessages  int
	HistoryChars     int
	KnowledgeChars   int
	KnowledgeResults int
}

// Context holds both rendered contexts unmodified
type Context struct {
	History   string `json:"history"`
	Knowledge string `json:"knowledge"`
}

type Composer struct {
	history   History
	knowledge Knowledge
}

func New(history History, knowledge Knowledge) *Composer {
	return &Composer{history: history, knowledge: knowledge}
}

func (x *Composer) Compose(ctx context.Context, req Request) *Context {
	if req.HistoryMessages == 0 {
		req.HistoryMessages = DefaultHistoryMessages
	}
	if req.HistoryChars == 0 {
		req.HistoryChars = DefaultHistoryChars
	}
	if req.KnowledgeChars == 0 {
		req.KnowledgeChars = DefaultKnowledgeChars
	}
	if req.KnowledgeResults == 0 {
		req.KnowledgeResults = DefaultKnowledgeResults
	}

	return &Context{
		History:   x.history.RecentContext(ctx, req.SessionID, req.HistoryMessages, req.HistoryChars),
		Knowledge: x.knowledge.ContextForQuery(ctx, req.Query, req.KnowledgeChars, req.KnowledgeResults),
	}
}
