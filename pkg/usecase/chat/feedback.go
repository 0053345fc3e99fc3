package chat

import (
	"context"
	"time"

	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

type FeedbackType string

const (
	FeedbackThumbsUp   FeedbackType = "thumbs_up"
	FeedbackThumbsDown FeedbackType = "thumbs_down"
	FeedbackReport     FeedbackType = "report"
)

func (x FeedbackType) Valid() bool {
	switch x {
	case FeedbackThumbsUp, FeedbackThumbsDown, FeedbackReport:
		return true
	}
	return false
}

type FeedbackInput struct {
	SessionID model.SessionID
	MessageID string
	Type      FeedbackType
	Comment   string
	UserID    string
}

// Feedback records the user's rating as a system message of the session
func (x *Chat) Feedback(ctx context.Context, input FeedbackInput) error {
	if !input.Type.Valid() {
		return goerr.New("invalid feedback type", goerr.V("type", input.Type))
	}
	if !x.sessions.Exists(ctx, input.SessionID) {
		return goerr.Wrap(ErrSessionNotFound, "cannot record feedback", goerr.V("session_id", input.SessionID))
	}

	record := map[string]any{
		"session_id":    input.SessionID.String(),
		"message_id":    input.MessageID,
		"feedback_type": string(input.Type),
		"comment":       input.Comment,
		"user_id":       input.UserID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	logging.From(ctx).Info("received feedback", "feedback", record)

	content := "User provided feedback: " + string(input.Type)
	if err := x.sessions.Append(ctx, input.SessionID, model.RoleSystem, content, record, input.UserID); err != nil {
		return goerr.Wrap(err, "failed to record feedback", goerr.V("session_id", input.SessionID))
	}
	return nil
}
