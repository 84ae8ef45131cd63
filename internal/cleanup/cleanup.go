package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/drogue/internal/logctx"
	"github.com/italolelis/drogue/internal/staging"
	"github.com/italolelis/drogue/internal/storage"
)

// DeleteOrphanedStages removes staged files older than keepDuration that no
// download can use anymore: their record is gone or already completed.
// Stages of failed or in-flight downloads are kept for restart.
func DeleteOrphanedStages(ctx context.Context, repo storage.DownloadReadRepository, stage *staging.Store, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := stage.List()
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if now.Sub(entry.ModTime) <= keepDuration {
			continue
		}

		rec, err := repo.Get(ctx, entry.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			logger.Error("Failed to look up staged download", "download_id", entry.ID, "err", err)

			return removed, err
		case rec.Status != storage.StatusCompleted:
			continue
		}

		if err := stage.Remove(entry.ID); err != nil {
			logger.Error("Failed to delete orphaned staged file", "download_id", entry.ID, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted orphaned staged file", "download_id", entry.ID, "size", entry.Size)
	}

	return removed, nil
}
