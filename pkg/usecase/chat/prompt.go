package chat

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/chat.md
var chatPromptRaw string

var (
	systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))
	chatPromptTmpl   = template.Must(template.New("chat").Parse(chatPromptRaw))
)

// systemKnowledgeChars limits the knowledge excerpt in the system prompt
const systemKnowledgeChars = 500

// FallbackResponse is the answer used when no language model response is available
const FallbackResponse = "I'm sorry, I'm having trouble answering right now. Please try rephrasing your question about budgeting, saving, investing, debt or another money topic and I'll do my best to help."

type promptInput struct {
	Message     string
	History     string
	Knowledge   string
	UserContext string
}

func buildSystemPrompt(in promptInput) (string, error) {
	r := []rune(in.Knowledge)
	if len(r) > systemKnowledgeChars {
		in.Knowledge = string(r[:systemKnowledgeChars])
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, in); err != nil {
		return "", goerr.Wrap(err, "failed to execute system prompt template")
	}
	return buf.String(), nil
}

func buildChatPrompt(in promptInput) (string, error) {
	var buf bytes.Buffer
	if err := chatPromptTmpl.Execute(&buf, in); err != nil {
		return "", goerr.Wrap(err, "failed to execute chat prompt template")
	}
	return buf.String(), nil
}

// formatUserContext summarizes the financial data sent by the client app
func formatUserContext(data map[string]any) string {
	var parts []string
	if v, ok := data["user_balance"]; ok {
		parts = append(parts, fmt.Sprintf("Current balance: %v", v))
	}
	if v, ok := data["recent_transactions"]; ok {
		if txs, ok := v.([]any); ok {
			parts = append(parts, fmt.Sprintf("Recent transactions: %d transactions", len(txs)))
		}
	}
	if v, ok := data["budget_info"]; ok {
		parts = append(parts, fmt.Sprintf("Budget status: %v", v))
	}
	return strings.Join(parts, "; ")
}

var suggestionTable = []struct {
	keyword     string
	suggestions []string
}{
	{"budget", []string{
		"How do I create my first budget?",
		"What is the 50/30/20 budgeting rule?",
		"How can I stick to my budget?",
	}},
	{"sav", []string{
		"How much should I keep in an emergency fund?",
		"Where should I keep my savings?",
		"How can I save money on everyday expenses?",
	}},
	{"invest", []string{
		"What is the difference between stocks and bonds?",
		"How do I start investing with little money?",
		"What is dollar-cost averaging?",
	}},
	{"debt", []string{
		"Should I pay off debt or invest first?",
		"What is the difference between good and bad debt?",
		"How does the debt snowball method work?",
	}},
	{"credit", []string{
		"How can I improve my credit score?",
		"What affects my credit score?",
		"Should I close old credit cards?",
	}},
}

var defaultSuggestions = []string{
	"Tell me about budgeting basics",
	"How do I start building an emergency fund?",
	"What should I know about investing?",
}

// suggestionsFor returns follow-up questions for the first topic found in message
func suggestionsFor(message string) []string {
	lower := strings.ToLower(message)
	for _, entry := range suggestionTable {
		if strings.Contains(lower, entry.keyword) {
			return entry.suggestions
		}
	}
	return defaultSuggestions
}
