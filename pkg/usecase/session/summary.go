package session

import (
	"context"
	"math"
	"strings"

	"github.com/m-mizutani/finctx/pkg/model"
)

type topicKeywords struct {
	topic    string
	keywords []string
}

// topicTable maps a financial topic to the substrings that indicate it
var topicTable = []topicKeywords{
	{"budgeting", []string{"budget", "budgeting", "expenses", "income"}},
	{"saving", []string{"save", "savings", "emergency fund", "money"}},
	{"investing", []string{"invest", "investment", "stocks", "bonds", "portfolio"}},
	{"debt", []string{"debt", "loan", "credit", "mortgage", "payment"}},
	{"credit", []string{"credit score", "credit report", "credit card"}},
	{"retirement", []string{"retirement", "401k", "ira", "pension"}},
	{"insurance", []string{"insurance", "coverage", "premium", "policy"}},
	{"taxes", []string{"tax", "taxes", "deduction", "refund"}},
}

func extractTopics(msgs []*model.Message) []string {
	contents := make([]string, len(msgs))
	for i, msg := range msgs {
		contents[i] = strings.ToLower(msg.Content)
	}
	text := strings.Join(contents, " ")

	topics := []string{}
	for _, t := range topicTable {
		for _, kw := range t.keywords {
			if strings.Contains(text, kw) {
				topics = append(topics, t.topic)
				break
			}
		}
	}
	return topics
}

func sessionDuration(msgs []*model.Message) float64 {
	if len(msgs) < 2 {
		return 0
	}
	first, last := msgs[0].Timestamp, msgs[len(msgs)-1].Timestamp
	if first.IsZero() || last.IsZero() {
		return 0
	}
	return math.Round(last.Sub(first).Minutes()*100) / 100
}

// Summary returns statistics of the session. An unknown session yields a
// summary with zero counts.
func (x *Store) Summary(ctx context.Context, id model.SessionID) *model.SessionSummary {
	summary := &model.SessionSummary{
		SessionID: id,
		Topics:    []string{},
	}

	sess := x.get(ctx, id)
	if sess == nil {
		return summary
	}

	summary.Metadata = sess.Meta
	summary.MessageCount = len(sess.Messages)
	for _, msg := range sess.Messages {
		switch msg.Role {
		case model.RoleUser:
			summary.UserMessageCount++
		case model.RoleAssistant:
			summary.AssistantMessageCount++
		}
	}
	summary.Topics = extractTopics(sess.Messages)
	summary.DurationMinutes = sessionDuration(sess.Messages)

	return summary
}
