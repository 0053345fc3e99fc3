package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/usecase/session"
	"github.com/m-mizutani/gt"
)

// stepClock advances one minute on every call
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(time.Minute)
		return t
	}
}

func newStore(t *testing.T, opts ...session.Option) (*session.Store, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	store, err := session.New(storage, opts...)
	gt.NoError(t, err).Required()
	return store, dir
}

func TestAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t)

	gt.NoError(t, store.Append(ctx, "s1", model.RoleUser, "What is a budget?", nil, "u1"))
	gt.NoError(t, store.Append(ctx, "s1", model.RoleAssistant, "A budget tracks income and expenses.", nil, ""))

	history := store.History(ctx, "s1", 0)
	gt.A(t, history).Length(2)
	gt.Equal(t, history[0].Role, model.RoleUser)
	gt.Equal(t, history[0].Content, "What is a budget?")
	gt.Equal(t, history[1].Role, model.RoleAssistant)

	summary := store.Summary(ctx, "s1")
	gt.True(t, slices.Contains(summary.Topics, "budgeting"))
	gt.Equal(t, summary.MessageCount, 2)
	gt.Equal(t, summary.UserMessageCount, 1)
	gt.Equal(t, summary.AssistantMessageCount, 1)
	gt.Equal(t, summary.Metadata.UserID, "u1")

	t.Run("record is persisted as JSON", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "session_s1.json"))
		gt.NoError(t, err).Required()

		var record map[string]any
		gt.NoError(t, json.Unmarshal(data, &record)).Required()
		gt.Equal(t, record["session_id"], "s1")

		meta := record["metadata"].(map[string]any)
		gt.Equal(t, meta["message_count"], float64(2))
		gt.Equal(t, meta["user_id"], "u1")
		gt.True(t, meta["created_at"] != nil)
		gt.True(t, meta["updated_at"] != nil)

		msgs := record["messages"].([]any)
		gt.A(t, msgs).Length(2)
		gt.S(t, string(data)).Contains("\n  \"messages\"")
	})

	t.Run("limit returns the most recent messages", func(t *testing.T) {
		history := store.History(ctx, "s1", 1)
		gt.A(t, history).Length(1)
		gt.Equal(t, history[0].Role, model.RoleAssistant)
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		gt.A(t, store.History(ctx, "unknown", 0)).Length(0)
		gt.False(t, store.Exists(ctx, "unknown"))
		gt.True(t, store.Exists(ctx, "s1"))
	})

	t.Run("invalid session id", func(t *testing.T) {
		err := store.Append(ctx, "../etc/passwd", model.RoleUser, "x", nil, "")
		gt.Error(t, err)
		gt.True(t, errors.Is(err, session.ErrInvalidSessionID))
		gt.A(t, store.History(ctx, "../etc/passwd", 0)).Length(0)
	})

	t.Run("invalid role", func(t *testing.T) {
		err := store.Append(ctx, "s1", model.Role("bot"), "x", nil, "")
		gt.True(t, errors.Is(err, session.ErrInvalidRole))
		gt.A(t, store.History(ctx, "s1", 0)).Length(2)
	})
}

func TestHistoryCap(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, session.WithMaxHistory(5))
	gt.Equal(t, store.MaxHistory(), 5)

	for i := 0; i < 8; i++ {
		gt.NoError(t, store.Append(ctx, "cap", model.RoleUser, fmt.Sprintf("m%d", i), nil, ""))
	}

	history := store.History(ctx, "cap", 0)
	gt.A(t, history).Length(5)
	for i, msg := range history {
		gt.Equal(t, msg.Content, fmt.Sprintf("m%d", i+3))
	}
	gt.Equal(t, store.Summary(ctx, "cap").Metadata.MessageCount, 5)
}

func TestReloadFromStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storage, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	first, err := session.New(storage)
	gt.NoError(t, err).Required()
	gt.NoError(t, first.Append(ctx, "persist", model.RoleUser, "How much should I save?", map[string]any{"k": "v"}, ""))
	gt.NoError(t, first.Append(ctx, "persist", model.RoleAssistant, "Start with 10%.", nil, ""))

	second, err := session.New(storage)
	gt.NoError(t, err).Required()
	gt.Equal(t, second.CacheLen(), 0)

	history := second.History(ctx, "persist", 0)
	gt.A(t, history).Length(2)
	gt.Equal(t, history[0].Content, "How much should I save?")
	gt.Equal(t, history[0].Metadata["k"], "v")
	gt.Equal(t, history[1].Content, "Start with 10%.")
	gt.Equal(t, second.CacheLen(), 1)

	gt.NoError(t, second.Append(ctx, "persist", model.RoleUser, "Thanks", nil, ""))
	gt.A(t, second.History(ctx, "persist", 0)).Length(3)
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, session.WithCacheSize(2))

	for _, id := range []model.SessionID{"a", "b", "c"} {
		gt.NoError(t, store.Append(ctx, id, model.RoleUser, "hello "+id.String(), nil, ""))
	}
	gt.Equal(t, store.CacheLen(), 2)

	// evicted session is reloaded from storage
	history := store.History(ctx, "a", 0)
	gt.A(t, history).Length(1)
	gt.Equal(t, history[0].Content, "hello a")
}

func TestMalformedRecord(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t)

	gt.NoError(t, os.WriteFile(filepath.Join(dir, "session_broken.json"), []byte("{not json"), 0644)).Required()
	gt.A(t, store.History(ctx, "broken", 0)).Length(0)
	gt.Equal(t, store.RecentContext(ctx, "broken", 10, 2000), session.NoConversation)

	// appending replaces the broken record
	gt.NoError(t, store.Append(ctx, "broken", model.RoleUser, "retry", nil, ""))
	gt.A(t, store.History(ctx, "broken", 0)).Length(1)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t)

	gt.NoError(t, store.Append(ctx, "gone", model.RoleUser, "bye", nil, ""))
	gt.True(t, store.Delete(ctx, "gone"))

	gt.A(t, store.History(ctx, "gone", 0)).Length(0)
	_, err := os.Stat(filepath.Join(dir, "session_gone.json"))
	gt.True(t, errors.Is(err, os.ErrNotExist))

	// deleting an unknown session succeeds
	gt.True(t, store.Delete(ctx, "never"))
}

type failingStorage struct {
	adapter.Storage
}

func (x *failingStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return nil, errors.New("disk full")
}

func (x *failingStorage) Delete(ctx context.Context, key string) error {
	return errors.New("permission denied")
}

func TestPersistenceFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	base, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err).Required()

	store, err := session.New(&failingStorage{Storage: base})
	gt.NoError(t, err).Required()

	gt.NoError(t, store.Append(ctx, "mem", model.RoleUser, "still here", nil, ""))
	gt.A(t, store.History(ctx, "mem", 0)).Length(1)
	gt.False(t, store.Delete(ctx, "mem"))
}

// unreadableStorage fails every read with an error other than not found
type unreadableStorage struct {
	adapter.Storage
}

func (x *unreadableStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("connection reset by peer")
}

func TestReadFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	first, err := session.New(base)
	gt.NoError(t, err).Required()
	gt.NoError(t, first.Append(ctx, "kept", model.RoleUser, "How do I pay off debt?", nil, "u1"))
	gt.NoError(t, first.Append(ctx, "kept", model.RoleAssistant, "Start with the highest interest rate.", nil, ""))

	before, err := os.ReadFile(filepath.Join(dir, "session_kept.json"))
	gt.NoError(t, err).Required()

	store, err := session.New(&unreadableStorage{Storage: base})
	gt.NoError(t, err).Required()
	gt.NoError(t, store.Append(ctx, "kept", model.RoleUser, "What about my car loan?", nil, "u1"))
	gt.NoError(t, store.Append(ctx, "kept", model.RoleUser, "And the mortgage?", nil, "u1"))

	// the new messages stay in memory
	gt.A(t, store.History(ctx, "kept", 0)).Length(2)

	// the durable record is untouched
	after, err := os.ReadFile(filepath.Join(dir, "session_kept.json"))
	gt.NoError(t, err).Required()
	gt.Equal(t, string(after), string(before))

	reloaded, err := session.New(base)
	gt.NoError(t, err).Required()
	history := reloaded.History(ctx, "kept", 0)
	gt.A(t, history).Length(2).Required()
	gt.Equal(t, history[0].Content, "How do I pay off debt?")
}

func TestReadFailureRecoversAfterEviction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	seed, err := session.New(base)
	gt.NoError(t, err).Required()
	gt.NoError(t, seed.Append(ctx, "flaky", model.RoleUser, "first", nil, ""))

	storage := &flakyStorage{Storage: base}
	storage.failGet.Store(true)
	store, err := session.New(storage, session.WithCacheSize(1))
	gt.NoError(t, err).Required()
	gt.NoError(t, store.Append(ctx, "flaky", model.RoleUser, "lost while offline", nil, ""))

	// evict the in-memory session, then storage recovers
	storage.failGet.Store(false)
	gt.NoError(t, store.Append(ctx, "other", model.RoleUser, "hello", nil, ""))
	gt.NoError(t, store.Append(ctx, "flaky", model.RoleUser, "second", nil, ""))

	history := store.History(ctx, "flaky", 0)
	gt.A(t, history).Length(2).Required()
	gt.Equal(t, history[0].Content, "first")
	gt.Equal(t, history[1].Content, "second")
}

type flakyStorage struct {
	adapter.Storage
	failGet atomic.Bool
}

func (x *flakyStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if x.failGet.Load() {
		return nil, errors.New("service unavailable")
	}
	return x.Storage.Get(ctx, key)
}

// halfWriteStorage returns writers that fail after writing half of the data
type halfWriteStorage struct {
	adapter.Storage
}

func (x *halfWriteStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := x.Storage.Put(ctx, key)
	if err != nil {
		return nil, err
	}
	return &halfWriter{WriteCloser: w}, nil
}

type halfWriter struct {
	io.WriteCloser
}

func (x *halfWriter) Write(p []byte) (int, error) {
	n, _ := x.WriteCloser.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func (x *halfWriter) Abort() error {
	return adapter.Abort(x.WriteCloser)
}

func TestFailedWriteKeepsRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	first, err := session.New(base)
	gt.NoError(t, err).Required()
	gt.NoError(t, first.Append(ctx, "whole", model.RoleUser, "Is a Roth IRA worth it?", nil, ""))
	before, err := os.ReadFile(filepath.Join(dir, "session_whole.json"))
	gt.NoError(t, err).Required()

	store, err := session.New(&halfWriteStorage{Storage: base})
	gt.NoError(t, err).Required()
	gt.NoError(t, store.Append(ctx, "whole", model.RoleAssistant, "It depends on your tax bracket.", nil, ""))
	gt.A(t, store.History(ctx, "whole", 0)).Length(2)

	after, err := os.ReadFile(filepath.Join(dir, "session_whole.json"))
	gt.NoError(t, err).Required()
	gt.Equal(t, string(after), string(before))

	entries, err := os.ReadDir(dir)
	gt.NoError(t, err).Required()
	for _, e := range entries {
		gt.S(t, e.Name()).NotContains(".tmp")
	}
}

func TestLegacyTimestamps(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t)

	record := `{
  "session_id": "legacy",
  "metadata": {
    "created_at": "2024-03-01T10:00:00.123456",
    "updated_at": "2024-03-01T10:05:00.123456",
    "message_count": 2
  },
  "messages": [
    {"role": "user", "content": "How do I save for retirement?", "timestamp": "2024-03-01T10:00:00.123456", "metadata": {}},
    {"role": "assistant", "content": "Open a 401k.", "timestamp": "2024-03-01T10:05:00.123456", "metadata": {}}
  ]
}`
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "session_legacy.json"), []byte(record), 0644)).Required()

	history := store.History(ctx, "legacy", 0)
	gt.A(t, history).Length(2).Required()
	gt.Equal(t, history[0].Content, "How do I save for retirement?")

	summary := store.Summary(ctx, "legacy")
	gt.Equal(t, summary.MessageCount, 2)
	gt.Equal(t, summary.DurationMinutes, 5.0)
	gt.True(t, slices.Contains(summary.Topics, "retirement"))

	t.Run("unparseable timestamp degrades duration only", func(t *testing.T) {
		record := `{"session_id": "odd", "metadata": {}, "messages": [
			{"role": "user", "content": "a", "timestamp": "yesterday", "metadata": {}},
			{"role": "assistant", "content": "b", "timestamp": "2024-03-01T10:05:00", "metadata": {}}
		]}`
		gt.NoError(t, os.WriteFile(filepath.Join(dir, "session_odd.json"), []byte(record), 0644)).Required()

		summary := store.Summary(ctx, "odd")
		gt.Equal(t, summary.MessageCount, 2)
		gt.Equal(t, summary.DurationMinutes, 0.0)
	})

	t.Run("appending keeps the legacy history", func(t *testing.T) {
		gt.NoError(t, store.Append(ctx, "legacy", model.RoleUser, "Thanks", nil, ""))
		gt.A(t, store.History(ctx, "legacy", 0)).Length(3)
	})
}

func TestConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t, session.WithMaxHistory(1000))

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = store.Append(ctx, "shared", model.RoleUser, fmt.Sprintf("%d-%d", w, i), nil, "")
				_ = store.History(ctx, "shared", 5)
			}
		}(w)
	}
	wg.Wait()

	gt.A(t, store.History(ctx, "shared", 0)).Length(workers * perWorker)

	reloaded, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()
	other, err := session.New(reloaded)
	gt.NoError(t, err).Required()
	gt.A(t, other.History(ctx, "shared", 0)).Length(workers * perWorker)
}

func TestRecentContext(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	t.Run("empty session", func(t *testing.T) {
		gt.Equal(t, store.RecentContext(ctx, "none", 10, 2000), session.NoConversation)
		gt.Equal(t, store.RecentContext(ctx, "none", 10, 5), "")
	})

	gt.NoError(t, store.Append(ctx, "rc", model.RoleUser, "What is a budget?", nil, ""))
	gt.NoError(t, store.Append(ctx, "rc", model.RoleAssistant, "A plan for money.", nil, ""))
	gt.NoError(t, store.Append(ctx, "rc", model.RoleUser, "How do I start?", nil, ""))

	t.Run("all messages fit", func(t *testing.T) {
		got := store.RecentContext(ctx, "rc", 10, 2000)
		gt.Equal(t, got, "User: What is a budget?\nAssistant: A plan for money.\nUser: How do I start?")
	})

	t.Run("message limit", func(t *testing.T) {
		got := store.RecentContext(ctx, "rc", 2, 2000)
		gt.Equal(t, got, "Assistant: A plan for money.\nUser: How do I start?")
	})

	t.Run("character budget prefers recent messages", func(t *testing.T) {
		last := "User: How do I start?"
		prev := "Assistant: A plan for money."

		gt.Equal(t, store.RecentContext(ctx, "rc", 10, len(last)), last)
		gt.Equal(t, store.RecentContext(ctx, "rc", 10, len(last)+len(prev)), last)
		gt.Equal(t, store.RecentContext(ctx, "rc", 10, len(last)+len(prev)+1), prev+"\n"+last)
		gt.Equal(t, store.RecentContext(ctx, "rc", 10, 3), "")
	})

	t.Run("never exceeds budget", func(t *testing.T) {
		for budget := 0; budget < 120; budget++ {
			got := store.RecentContext(ctx, "rc", 10, budget)
			gt.True(t, len([]rune(got)) <= budget)
		}
	})

	t.Run("zero message limit means all", func(t *testing.T) {
		gt.Equal(t, store.RecentContext(ctx, "rc", 0, 2000), store.RecentContext(ctx, "rc", 10, 2000))
	})

	t.Run("counts characters", func(t *testing.T) {
		gt.NoError(t, store.Append(ctx, "jp", model.RoleUser, "予算とは", nil, ""))
		line := "User: 予算とは"
		gt.Equal(t, store.RecentContext(ctx, "jp", 10, len([]rune(line))), line)
	})
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newStore(t, session.WithClock(stepClock(start)))

	t.Run("unknown session", func(t *testing.T) {
		s := store.Summary(ctx, "nobody")
		gt.Equal(t, s.MessageCount, 0)
		gt.A(t, s.Topics).Length(0)
		gt.Equal(t, s.DurationMinutes, 0.0)
	})

	gt.NoError(t, store.Append(ctx, "sum", model.RoleUser, "Should I pay off my LOAN or invest in stocks?", nil, ""))
	gt.NoError(t, store.Append(ctx, "sum", model.RoleAssistant, "Compare the interest rate with expected returns.", nil, ""))
	gt.NoError(t, store.Append(ctx, "sum", model.RoleSystem, "User provided feedback: helpful", nil, ""))
	gt.NoError(t, store.Append(ctx, "sum", model.RoleUser, "What about my 401k and taxes?", nil, ""))

	s := store.Summary(ctx, "sum")
	gt.Equal(t, s.SessionID, model.SessionID("sum"))
	gt.Equal(t, s.MessageCount, 4)
	gt.Equal(t, s.UserMessageCount, 2)
	gt.Equal(t, s.AssistantMessageCount, 1)
	gt.Equal(t, s.Topics, []string{"investing", "debt", "retirement", "taxes"})
	// messages are stamped one minute apart
	gt.Equal(t, s.DurationMinutes, 3.0)
	gt.Equal(t, s.Metadata.CreatedAt, start)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store, dir := newStore(t)

	for _, id := range []model.SessionID{"old1", "old2", "fresh"} {
		gt.NoError(t, store.Append(ctx, id, model.RoleUser, "hi", nil, ""))
	}

	past := time.Now().Add(-40 * 24 * time.Hour)
	for _, id := range []string{"old1", "old2"} {
		gt.NoError(t, os.Chtimes(filepath.Join(dir, "session_"+id+".json"), past, past)).Required()
	}
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "session_bad id.json"), []byte("{}"), 0644))

	stored, err := store.StoredSessions(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stored, 3)

	gt.Equal(t, store.Sweep(ctx, 30), 2)
	stored, err = store.StoredSessions(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stored, 1)
	gt.A(t, store.History(ctx, "old1", 0)).Length(0)
	gt.A(t, store.History(ctx, "old2", 0)).Length(0)
	gt.A(t, store.History(ctx, "fresh", 0)).Length(1)

	// idempotent
	gt.Equal(t, store.Sweep(ctx, 30), 0)
	gt.Equal(t, store.Sweep(ctx, -1), 0)
}

// listHookStorage runs onList once, after the first listing has been taken
type listHookStorage struct {
	adapter.Storage
	once   sync.Once
	onList func()
}

func (x *listHookStorage) List(ctx context.Context, prefix string) ([]*adapter.ObjectAttrs, error) {
	objects, err := x.Storage.List(ctx, prefix)
	x.once.Do(x.onList)
	return objects, err
}

func TestSweepKeepsSessionAppendedDuringSweep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	storage := &listHookStorage{Storage: base}
	store, err := session.New(storage)
	gt.NoError(t, err).Required()

	for _, id := range []model.SessionID{"active", "idle"} {
		gt.NoError(t, store.Append(ctx, id, model.RoleUser, "old message", nil, ""))
		past := time.Now().Add(-40 * 24 * time.Hour)
		gt.NoError(t, os.Chtimes(filepath.Join(dir, "session_"+id.String()+".json"), past, past)).Required()
	}

	storage.onList = func() {
		gt.NoError(t, store.Append(ctx, "active", model.RoleUser, "fresh message", nil, ""))
	}

	gt.Equal(t, store.Sweep(ctx, 30), 1)

	history := store.History(ctx, "active", 0)
	gt.A(t, history).Length(2).Required()
	gt.Equal(t, history[1].Content, "fresh message")
	_, err = os.Stat(filepath.Join(dir, "session_active.json"))
	gt.NoError(t, err)

	gt.A(t, store.History(ctx, "idle", 0)).Length(0)
}
