package forumstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/forumstore/config"
	"github.com/poiesic/forumstore/core"
	"github.com/poiesic/forumstore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend, path string) *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = backend
	cfg.Storage.Path = path
	cfg.Cache.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestNewDatabase(t *testing.T) {
	backends := []struct {
		name string
		cfg  func(t *testing.T) *config.Config
	}{
		{"sqlite", func(t *testing.T) *config.Config {
			return testConfig(config.BackendSQLite, filepath.Join(t.TempDir(), "forum.db"))
		}},
		{"badger", func(t *testing.T) *config.Config {
			return testConfig(config.BackendBadger, filepath.Join(t.TempDir(), "badger"))
		}},
		{"memory", func(t *testing.T) *config.Config {
			return testConfig(config.BackendMemory, "")
		}},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			db, err := NewDatabase(tt.cfg(t))
			require.NoError(t, err)
			require.NotNil(t, db)

			// Verify components are initialized
			assert.NotNil(t, db.Store())
			assert.NotNil(t, db.Cache())
			assert.NotNil(t, db.Retention())

			ctx := context.Background()
			p := db.Cache().SaveThread(core.Thread{ID: "t1", CreatedUTC: 1000})
			require.NoError(t, p.Wait(ctx))

			got, err := db.Store().GetThread(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, int64(1000), got.CreatedUTC)

			require.NoError(t, db.Close(ctx))
		})
	}
}

func TestNewDatabase_Errors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = "postgres"
		db, err := NewDatabase(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
		assert.Nil(t, db)
	})

	t.Run("badger path is a file", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(tmpFile, []byte("test"), 0644))

		db, err := NewDatabase(testConfig(config.BackendBadger, tmpFile))
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestDatabase_CloseFlushesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forum.db")
	ctx := context.Background()

	db, err := NewDatabase(testConfig(config.BackendSQLite, path))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		db.Cache().SaveThread(core.Thread{ID: id, CreatedUTC: 1000})
	}
	require.NoError(t, db.Close(ctx))

	db, err = NewDatabase(testConfig(config.BackendSQLite, path))
	require.NoError(t, err)
	defer db.Close(ctx)

	threads, err := db.Cache().GetAllThreads(ctx)
	require.NoError(t, err)
	assert.Len(t, threads, 3)
}

func TestDatabase_Retention(t *testing.T) {
	now := time.Unix(2_000_000, 0)
	cfg := testConfig(config.BackendMemory, "")
	cfg.Retention.MaxAge = time.Hour

	db, err := NewDatabase(cfg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()
	defer db.Close(ctx)

	db.Cache().SaveThread(core.Thread{ID: "old", CreatedUTC: 1000})
	require.NoError(t, db.Cache().SaveThread(core.Thread{ID: "new", CreatedUTC: now.Unix()}).Wait(ctx))

	deleted, err := db.Retention().RunNow()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = db.Cache().GetThread(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDatabase_NewIngestionPipeline(t *testing.T) {
	db, err := NewDatabase(testConfig(config.BackendMemory, ""))
	require.NoError(t, err)
	ctx := context.Background()
	defer db.Close(ctx)

	dump := filepath.Join(t.TempDir(), "dump.jsonl")
	require.NoError(t, os.WriteFile(dump, []byte(
		`{"thread":{"id":"t1","created_utc":1000}}`+"\n"+
			`{"comment":{"id":"c1","parent_id":"t1","created_utc":1100}}`+"\n"), 0600))

	pipeline, err := db.NewIngestionPipeline()
	require.NoError(t, err)
	defer pipeline.Release()

	stats, err := pipeline.ImportFiles(ctx, dump)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Threads)
	assert.Equal(t, 1, stats.Comments)

	comments, err := db.Cache().GetCommentsForThread(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 1)
}
