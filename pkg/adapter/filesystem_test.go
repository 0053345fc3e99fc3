package adapter_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/gt"
)

func putObject(t *testing.T, s adapter.Storage, key, data string) {
	t.Helper()
	w, err := s.Put(context.Background(), key)
	gt.NoError(t, err).Required()
	_, err = io.WriteString(w, data)
	gt.NoError(t, err)
	gt.NoError(t, w.Close()).Required()
}

func getObject(t *testing.T, s adapter.Storage, key string) string {
	t.Helper()
	r, err := s.Get(context.Background(), key)
	gt.NoError(t, err).Required()
	defer r.Close()
	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	return string(data)
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "memory")
	s, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err).Required()

	t.Run("put and get", func(t *testing.T) {
		putObject(t, s, "session_a.json", `{"session_id":"a"}`)
		gt.Equal(t, getObject(t, s, "session_a.json"), `{"session_id":"a"}`)

		putObject(t, s, "session_a.json", `{"session_id":"a","v":2}`)
		gt.Equal(t, getObject(t, s, "session_a.json"), `{"session_id":"a","v":2}`)
	})

	t.Run("object is invisible until closed", func(t *testing.T) {
		w, err := s.Put(ctx, "session_pending.json")
		gt.NoError(t, err).Required()
		_, err = io.WriteString(w, "partial")
		gt.NoError(t, err)

		_, err = s.Get(ctx, "session_pending.json")
		gt.True(t, errors.Is(err, adapter.ErrNotFound))

		gt.NoError(t, w.Close())
		gt.Equal(t, getObject(t, s, "session_pending.json"), "partial")
	})

	t.Run("aborted write keeps the previous object", func(t *testing.T) {
		putObject(t, s, "session_keep.json", `{"session_id":"keep"}`)

		w, err := s.Put(ctx, "session_keep.json")
		gt.NoError(t, err).Required()
		_, err = io.WriteString(w, `{"session_id":"ke`)
		gt.NoError(t, err)
		gt.NoError(t, adapter.Abort(w))

		// closing after abort does not commit
		gt.NoError(t, w.Close())
		gt.Equal(t, getObject(t, s, "session_keep.json"), `{"session_id":"keep"}`)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Get(ctx, "session_missing.json")
		gt.Error(t, err)
		gt.True(t, errors.Is(err, adapter.ErrNotFound))
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := s.Put(ctx, "../escape.json")
		gt.Error(t, err)
		_, err = s.Get(ctx, "a/b")
		gt.Error(t, err)
	})

	t.Run("list by prefix", func(t *testing.T) {
		putObject(t, s, "other.txt", "x")

		objects, err := s.List(ctx, "session_")
		gt.NoError(t, err).Required()
		keys := make(map[string]bool)
		for _, obj := range objects {
			keys[obj.Key] = true
			gt.False(t, obj.UpdatedAt.IsZero())
		}
		gt.True(t, keys["session_a.json"])
		gt.True(t, keys["session_pending.json"])
		gt.False(t, keys["other.txt"])
	})

	t.Run("delete", func(t *testing.T) {
		gt.NoError(t, s.Delete(ctx, "session_a.json"))
		_, err := s.Get(ctx, "session_a.json")
		gt.True(t, errors.Is(err, adapter.ErrNotFound))

		// deleting a missing object is not an error
		gt.NoError(t, s.Delete(ctx, "session_a.json"))
	})

	t.Run("no temporary files left", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		gt.NoError(t, err).Required()
		for _, e := range entries {
			gt.S(t, e.Name()).NotContains(".tmp")
		}
	})
}
