package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/m-mizutani/finctx/pkg/adapter"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	recordPrefix = "session_"
	recordSuffix = ".json"
)

// errMalformedRecord marks a record that was read but cannot be decoded.
// Such a record holds no usable history and may be replaced.
var errMalformedRecord = errors.New("malformed session record")

func recordKey(id model.SessionID) string {
	return recordPrefix + id.String() + recordSuffix
}

// sessionIDFromKey extracts the session id of a record key. ok is false for
// keys that are not session records.
func sessionIDFromKey(key string) (model.SessionID, bool) {
	if !strings.HasPrefix(key, recordPrefix) || !strings.HasSuffix(key, recordSuffix) {
		return "", false
	}
	id := model.SessionID(strings.TrimSuffix(strings.TrimPrefix(key, recordPrefix), recordSuffix))
	return id, id.Valid()
}

// read loads a session record from durable storage. It returns nil without
// error if the record does not exist. Decode failures wrap errMalformedRecord.
func (x *Store) read(ctx context.Context, id model.SessionID) (*model.Session, error) {
	reader, err := x.storage.Get(ctx, recordKey(id))
	if errors.Is(err, adapter.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session record")
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read session record")
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, goerr.Wrap(errMalformedRecord, "failed to unmarshal session record", goerr.V("key", recordKey(id)), goerr.V("cause", err.Error()))
	}
	if sess.ID != id {
		return nil, goerr.Wrap(errMalformedRecord, "session record has mismatched id", goerr.V("key", recordKey(id)), goerr.V("record_id", sess.ID))
	}
	for i, msg := range sess.Messages {
		if msg == nil || !msg.Role.Valid() {
			return nil, goerr.Wrap(errMalformedRecord, "session record has malformed message", goerr.V("key", recordKey(id)), goerr.V("index", i))
		}
	}
	sess.Meta.MessageCount = len(sess.Messages)

	return &sess, nil
}

// save writes the whole session record. The previous record is kept if
// the write fails.
func (x *Store) save(ctx context.Context, sess *model.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session record")
	}

	writer, err := x.storage.Put(ctx, recordKey(sess.ID))
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer")
	}

	if _, err := writer.Write(data); err != nil {
		if abortErr := adapter.Abort(writer); abortErr != nil {
			logging.From(ctx).Warn("failed to abort session record", "key", recordKey(sess.ID), logging.ErrAttr(abortErr))
		}
		return goerr.Wrap(err, "failed to write session record", goerr.V("key", recordKey(sess.ID)))
	}

	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", recordKey(sess.ID)))
	}

	return nil
}
