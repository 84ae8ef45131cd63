package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/drogue/internal/cleanup"
	"github.com/italolelis/drogue/internal/staging"
	"github.com/italolelis/drogue/internal/storage"
	"github.com/italolelis/drogue/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteOrphanedStages(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	db, err := sqlite.InitDB(filepath.Join(root, "drogue.db"))
	require.NoError(t, err)
	defer db.Close()

	repo := sqlite.NewDownloadRepository(db)

	stage, err := staging.New(filepath.Join(root, "staging"))
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)

	stageFile := func(id string, mtime time.Time) {
		path := stage.Path(id)
		require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	putRecord := func(id string, status storage.Status) {
		require.NoError(t, repo.Put(ctx, &storage.DownloadRecord{
			ID: id, SourceURL: "https://example.com/" + id, DestinationName: id,
			Status: status, SupportsResume: storage.ResumeUnknown,
		}))
	}

	stageFile("orphan", old)
	stageFile("completed", old)
	putRecord("completed", storage.StatusCompleted)
	stageFile("failed", old)
	putRecord("failed", storage.StatusFailed)
	stageFile("running", old)
	putRecord("running", storage.StatusStreaming)
	stageFile("fresh-orphan", time.Now())

	removed, err := cleanup.DeleteOrphanedStages(ctx, repo, stage, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := stage.List()
	require.NoError(t, err)

	var left []string
	for _, e := range entries {
		left = append(left, e.ID)
	}

	assert.ElementsMatch(t, []string{"failed", "running", "fresh-orphan"}, left)
}
