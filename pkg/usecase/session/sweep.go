package session

import (
	"context"
	"time"

	"github.com/m-mizutani/finctx/pkg/utils/logging"
)

// Sweep deletes sessions whose durable record was last modified more than
// maxAgeDays ago and returns how many were deleted. Each record is checked
// again under its session lock, so a session appended to during the sweep
// is kept. Failures on individual records are logged and skipped.
func (x *Store) Sweep(ctx context.Context, maxAgeDays int) int {
	logger := logging.From(ctx)
	if maxAgeDays < 0 {
		logger.Warn("negative session age, skip sweep", "max_age_days", maxAgeDays)
		return 0
	}

	objects, err := x.storage.List(ctx, recordPrefix)
	if err != nil {
		logger.Error("failed to list session records", logging.ErrAttr(err))
		return 0
	}

	cutoff := x.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	deleted := 0
	for _, obj := range objects {
		if !obj.UpdatedAt.Before(cutoff) {
			continue
		}

		id, ok := sessionIDFromKey(obj.Key)
		if !ok {
			logger.Warn("skip unknown record in session storage", "key", obj.Key)
			continue
		}

		if x.deleteIfStale(ctx, id, cutoff) {
			deleted++
		}
	}

	if deleted > 0 {
		logger.Info("swept old sessions", "deleted", deleted, "max_age_days", maxAgeDays)
	}
	return deleted
}
