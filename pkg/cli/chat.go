package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/chat"
	"github.com/m-mizutani/finctx/pkg/usecase/composer"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// newChat wires the chat usecase. The caller must call cfg.close.
func (cfg *config) newChat(ctx context.Context) (*chat.Chat, error) {
	store, err := cfg.newSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := cfg.newKnowledge(ctx)
	if err != nil {
		return nil, err
	}
	return chat.New(store, idx, composer.New(store, idx), cfg.newGenerator(ctx)), nil
}

func chatCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		userID    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session ID to continue. A new session is started if empty",
			Sources:     cli.EnvVars("FINCTX_SESSION_ID"),
			Destination: &sessionID,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User ID recorded with the session",
			Sources:     cli.EnvVars("FINCTX_USER_ID"),
			Destination: &userID,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)
	flags = append(flags, knowledgeFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive financial education chat",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			uc, err := cfg.newChat(ctx)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          c.Root().Writer,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to create readline")
			}
			defer rl.Close()

			w := c.Root().Writer
			fmt.Fprintf(w, "Chat session started. Type 'exit' to quit.\n")

			id := model.SessionID(sessionID)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "exit" || message == "quit" {
					break
				}
				if message == "" {
					continue
				}

				reply, err := uc.Turn(ctx, chat.Input{
					SessionID: id,
					UserID:    userID,
					Message:   message,
				})
				if err != nil {
					return goerr.Wrap(err, "failed to run chat turn")
				}
				id = reply.SessionID

				fmt.Fprintf(w, "\n%s\n\n", reply.Message)
				if len(reply.Sources) > 0 {
					fmt.Fprintf(w, "Sources: %s\n", strings.Join(reply.Sources, ", "))
				}
				if len(reply.Suggestions) > 0 {
					fmt.Fprintf(w, "You may also ask:\n")
					for _, s := range reply.Suggestions {
						fmt.Fprintf(w, "  - %s\n", s)
					}
				}
				fmt.Fprintln(w)
			}

			if id != "" {
				fmt.Fprintf(w, "\nChat session completed (session: %s)\n", id)
			}
			return nil
		},
	}
}

func feedbackCommand() *cli.Command {
	var (
		cfg          config
		sessionID    string
		messageID    string
		feedbackType string
		comment      string
		userID       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session ID to rate",
			Destination: &sessionID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "Feedback type (thumbs_up, thumbs_down, report)",
			Destination: &feedbackType,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "message-id",
			Usage:       "Rated message",
			Destination: &messageID,
		},
		&cli.StringFlag{
			Name:        "comment",
			Aliases:     []string{"c"},
			Usage:       "Free text comment",
			Destination: &comment,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User ID of the rater",
			Sources:     cli.EnvVars("FINCTX_USER_ID"),
			Destination: &userID,
		},
	}
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:  "feedback",
		Usage: "Record user feedback on a session",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			defer cfg.close(ctx)

			store, err := cfg.newSessionStore(ctx)
			if err != nil {
				return err
			}

			// Feedback only touches the session store
			uc := chat.New(store, nil, nil, nil)
			if err := uc.Feedback(ctx, chat.FeedbackInput{
				SessionID: model.SessionID(sessionID),
				MessageID: messageID,
				Type:      chat.FeedbackType(feedbackType),
				Comment:   comment,
				UserID:    userID,
			}); err != nil {
				return goerr.Wrap(err, "failed to record feedback")
			}

			fmt.Fprintf(c.Root().Writer, "Feedback recorded\n")
			return nil
		},
	}
}
