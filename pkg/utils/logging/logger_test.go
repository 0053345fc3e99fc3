package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func TestLevels(t *testing.T) {
	testCases := map[string][]string{
		"debug":   {"chunked", "indexed", "fallback", "failed"},
		"":        {"indexed", "fallback", "failed"},
		"INFO":    {"indexed", "fallback", "failed"},
		"warning": {"fallback", "failed"},
		"error":   {"failed"},
		"verbose": {"indexed", "fallback", "failed"},
	}

	for level, visible := range testCases {
		t.Run(level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(level, buf)

			logger.Debug("chunked")
			logger.Info("indexed")
			logger.Warn("fallback")
			logger.Error("failed")

			out := buf.String()
			for _, msg := range []string{"chunked", "indexed", "fallback", "failed"} {
				shown := false
				for _, v := range visible {
					if v == msg {
						shown = true
					}
				}
				if shown {
					gt.S(t, out).Contains(msg)
				} else {
					gt.S(t, out).NotContains(msg)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	lv, err := logging.ParseLevel("WARN")
	gt.NoError(t, err)
	gt.Equal(t, lv, slog.LevelWarn)

	lv, err = logging.ParseLevel("")
	gt.NoError(t, err)
	gt.Equal(t, lv, slog.LevelInfo)

	_, err = logging.ParseLevel("verbose")
	gt.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf).With("session_id", "s1")

	ctx := logging.With(context.Background(), logger)
	gt.Equal(t, logging.From(ctx), logger)

	logging.From(ctx).Info("message appended")
	gt.S(t, buf.String()).Contains("message appended")
	gt.S(t, buf.String()).Contains("s1")
}

func TestErrAttr(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)

	err := goerr.New("failed to save session", goerr.V("key", "session_s1.json"))
	logger.Error("persistence failed", logging.ErrAttr(err))
	gt.S(t, buf.String()).Contains("failed to save session")
}

func TestDefault(t *testing.T) {
	original := logging.Default()
	t.Cleanup(func() { logging.SetDefault(original) })

	buf := &bytes.Buffer{}
	custom := logging.New("warn", buf)
	logging.SetDefault(custom)

	gt.Equal(t, logging.Default(), custom)

	// without a logger in context, From falls back to the default
	logging.From(context.Background()).Warn("index not initialized")
	gt.S(t, buf.String()).Contains("index not initialized")
}
