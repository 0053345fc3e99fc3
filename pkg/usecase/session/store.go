// Package session keeps per-session conversation history. Sessions live in a
// bounded in-memory cache and every change is written through to durable
// storage as one JSON record per session.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxHistory = 50
	DefaultCacheSize  = 1024
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidRole      = errors.New("invalid message role")
)

type Store struct {
	storage    adapter.Storage
	maxHistory int
	cacheSize  int
	now        func() time.Time

	cache *lru.Cache[model.SessionID, *model.Session]
	loads singleflight.Group
	locks *keyedMutex

	// detached holds ids of cached sessions that could not be read from
	// storage. They are not written back until they leave the cache, so
	// the stored record is never replaced by a partial history.
	detached sync.Map
}

type Option func(*Store)

// WithMaxHistory sets the number of messages kept per session
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		s.maxHistory = n
	}
}

// WithCacheSize sets the number of sessions kept in memory
func WithCacheSize(n int) Option {
	return func(s *Store) {
		s.cacheSize = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(storage adapter.Storage, opts ...Option) (*Store, error) {
	s := &Store{
		storage:    storage,
		maxHistory: DefaultMaxHistory,
		cacheSize:  DefaultCacheSize,
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxHistory <= 0 {
		return nil, goerr.New("max history must be positive", goerr.V("max_history", s.maxHistory))
	}

	cache, err := lru.NewWithEvict(s.cacheSize, func(id model.SessionID, _ *model.Session) {
		s.detached.Delete(id)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create session cache", goerr.V("size", s.cacheSize))
	}
	s.cache = cache

	return s, nil
}

// NewSessionID returns a fresh random session id
func (x *Store) NewSessionID() model.SessionID {
	return model.NewSessionID()
}

// Append adds a message to the session, creating the session on first use.
// Only invalid input is reported as an error. A failure to persist is logged
// and the in-memory session stays authoritative.
func (x *Store) Append(ctx context.Context, id model.SessionID, role model.Role, content string, metadata map[string]any, userID string) error {
	if !id.Valid() {
		return goerr.Wrap(ErrInvalidSessionID, "cannot append message", goerr.V("session_id", id))
	}
	if !role.Valid() {
		return goerr.Wrap(ErrInvalidRole, "cannot append message", goerr.V("session_id", id), goerr.V("role", role))
	}

	unlock := x.locks.Lock(id)
	defer unlock()

	logger := logging.From(ctx).With("session_id", id)
	now := x.now()

	_, detached := x.detached.Load(id)
	current, err := x.load(ctx, id)
	switch {
	case errors.Is(err, errMalformedRecord):
		logger.Warn("replace malformed session record", logging.ErrAttr(err))
	case err != nil:
		logger.Error("failed to load session, keep it in memory only", logging.ErrAttr(err))
		detached = true
		x.detached.Store(id, struct{}{})
	}

	var sess *model.Session
	if current != nil {
		sess = current.Clone()
	} else {
		sess = &model.Session{
			ID: id,
			Meta: model.SessionMeta{
				CreatedAt: now,
				UserID:    userID,
			},
		}
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	sess.Messages = append(sess.Messages, &model.Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	})
	if len(sess.Messages) > x.maxHistory {
		sess.Messages = sess.Messages[len(sess.Messages)-x.maxHistory:]
	}
	if sess.Meta.UserID == "" {
		sess.Meta.UserID = userID
	}
	sess.Meta.UpdatedAt = now
	sess.Meta.MessageCount = len(sess.Messages)

	// Cached sessions are never modified in place, so readers can use them without locking
	x.cache.Add(id, sess)

	if detached {
		logger.Warn("skip persisting session that failed to load")
		return nil
	}
	if err := x.save(ctx, sess); err != nil {
		logger.Error("failed to persist session", logging.ErrAttr(err))
	}

	return nil
}

// History returns the most recent limit messages, oldest first. limit <= 0
// returns all. Unknown sessions yield an empty slice.
func (x *Store) History(ctx context.Context, id model.SessionID, limit int) []*model.Message {
	sess := x.get(ctx, id)
	if sess == nil {
		return []*model.Message{}
	}

	msgs := sess.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*model.Message{}, msgs...)
}

// Exists reports whether the session has at least one message
func (x *Store) Exists(ctx context.Context, id model.SessionID) bool {
	sess := x.get(ctx, id)
	return sess != nil && len(sess.Messages) > 0
}

// Delete removes the session from memory and durable storage. It returns
// false only if removal from storage failed.
func (x *Store) Delete(ctx context.Context, id model.SessionID) bool {
	if !id.Valid() {
		return true
	}

	unlock := x.locks.Lock(id)
	defer unlock()

	x.cache.Remove(id)
	if err := x.storage.Delete(ctx, recordKey(id)); err != nil {
		logging.From(ctx).Error("failed to delete session", "session_id", id, logging.ErrAttr(err))
		return false
	}
	return true
}

// deleteIfStale removes the session only if its record is still older than
// cutoff once the session lock is held. It reports whether the session was
// removed.
func (x *Store) deleteIfStale(ctx context.Context, id model.SessionID, cutoff time.Time) bool {
	unlock := x.locks.Lock(id)
	defer unlock()

	logger := logging.From(ctx).With("session_id", id)

	key := recordKey(id)
	objects, err := x.storage.List(ctx, key)
	if err != nil {
		logger.Error("failed to stat session record", logging.ErrAttr(err))
		return false
	}
	idx := slices.IndexFunc(objects, func(obj *adapter.ObjectAttrs) bool { return obj.Key == key })
	if idx < 0 || !objects[idx].UpdatedAt.Before(cutoff) {
		return false
	}

	x.cache.Remove(id)
	if err := x.storage.Delete(ctx, key); err != nil {
		logger.Error("failed to delete session", logging.ErrAttr(err))
		return false
	}
	return true
}

// CacheLen returns the number of sessions held in memory
func (x *Store) CacheLen() int {
	return x.cache.Len()
}

// MaxHistory returns the number of messages kept per session
func (x *Store) MaxHistory() int {
	return x.maxHistory
}

// StoredSessions counts the session records in durable storage
func (x *Store) StoredSessions(ctx context.Context) (int, error) {
	objects, err := x.storage.List(ctx, recordPrefix)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list session records")
	}

	n := 0
	for _, obj := range objects {
		if _, ok := sessionIDFromKey(obj.Key); ok {
			n++
		}
	}
	return n, nil
}

// get returns the cached or stored session, or nil. Load failures are logged.
func (x *Store) get(ctx context.Context, id model.SessionID) *model.Session {
	if !id.Valid() {
		return nil
	}

	sess, err := x.load(ctx, id)
	if err != nil {
		logging.From(ctx).Warn("failed to load session", "session_id", id, logging.ErrAttr(err))
		return nil
	}
	return sess
}

// load looks up the cache and falls back to durable storage. Concurrent loads
// of the same session share one storage read. It returns nil without error
// if the session does not exist.
func (x *Store) load(ctx context.Context, id model.SessionID) (*model.Session, error) {
	if sess, ok := x.cache.Get(id); ok {
		return sess, nil
	}

	v, err, _ := x.loads.Do(id.String(), func() (any, error) {
		if sess, ok := x.cache.Get(id); ok {
			return sess, nil
		}

		sess, err := x.read(ctx, id)
		if err != nil || sess == nil {
			return sess, err
		}

		// keep an entry added while the record was being read
		if prev, ok, _ := x.cache.PeekOrAdd(id, sess); ok {
			return prev, nil
		}
		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	sess, _ := v.(*model.Session)
	return sess, nil
}

// keyedMutex provides one mutex per session id. Entries are released when no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.SessionID]*keyedLock
}

type keyedLock struct {
	mu  sync.Mutex
	ref int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[model.SessionID]*keyedLock)}
}

func (x *keyedMutex) Lock(id model.SessionID) (unlock func()) {
	x.mu.Lock()
	l, ok := x.locks[id]
	if !ok {
		l = &keyedLock{}
		x.locks[id] = l
	}
	l.ref++
	x.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		x.mu.Lock()
		l.ref--
		if l.ref == 0 {
			delete(x.locks, id)
		}
		x.mu.Unlock()
	}
}
