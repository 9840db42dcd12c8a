package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"xui-vpn-bot/internal/db"
)

func TestBackupProducesReadableSQLiteCopy(t *testing.T) {
	f := setup(t)
	store := db.NewStore(f.gdb)
	require.NoError(t, store.EnsureUser(context.Background(), userID, db.RoleUser, time.Now().Unix()))

	dir := t.TempDir()
	b := NewBackuper(f.gdb, "", dir, 24*time.Hour, zaptest.NewLogger(t))
	b.now = func() time.Time { return time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC) }

	path, err := b.Backup(context.Background(), "autobackup")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "autobackup_20250501_030000.sqlite3"), path)

	copyDB, err := db.Open("", path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := copyDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	n, err := db.NewStore(copyDB).CountUsers(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCleanOldKeepsRecentDumps(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	b := &Backuper{dir: dir, keep: 31 * 24 * time.Hour, now: func() time.Time { return now }}

	old := filepath.Join(dir, "autobackup_20250301_030000.sqlite3")
	fresh := filepath.Join(dir, "backup_20250430_030000.sqlite3")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(old, now.AddDate(0, -2, 0), now.AddDate(0, -2, 0)))
	require.NoError(t, os.Chtimes(fresh, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(other, now.AddDate(-1, 0, 0), now.AddDate(-1, 0, 0)))

	removed, err := b.CleanOld()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
