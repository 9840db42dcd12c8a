package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backuper dumps the bot database: pg_dump for Postgres, VACUUM INTO for SQLite.
type Backuper struct {
	db          *gorm.DB
	databaseURL string
	dir         string
	keep        time.Duration
	now         func() time.Time
	log         *zap.Logger
}

func NewBackuper(db *gorm.DB, databaseURL, dir string, keep time.Duration, l *zap.Logger) *Backuper {
	return &Backuper{db: db, databaseURL: databaseURL, dir: dir, keep: keep, now: time.Now, log: l.Named("backup")}
}

// Backup writes a fresh dump into the backup directory and returns its path.
func (b *Backuper) Backup(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	stamp := b.now().Format("20060102_150405")

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if b.databaseURL != "" {
		filename := filepath.Join(b.dir, prefix+"_"+stamp+".dump")
		out, err := exec.CommandContext(ctx, "pg_dump", b.databaseURL, "-Fc", "-f", filename).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("pg_dump: %w: %s", err, out)
		}
		return filename, nil
	}

	filename := filepath.Join(b.dir, prefix+"_"+stamp+".sqlite3")
	if err := b.db.WithContext(ctx).Exec("VACUUM INTO ?", filename).Error; err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", filename, err)
	}
	return filename, nil
}

// CleanOld removes dumps older than the retention period.
func (b *Backuper) CleanOld() (int, error) {
	files, err := filepath.Glob(filepath.Join(b.dir, "*backup_*"))
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-b.keep)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// AutoBackup is the scheduled job: dump, then drop expired dumps.
func (b *Backuper) AutoBackup() {
	filename, err := b.Backup(context.Background(), "autobackup")
	if err != nil {
		b.log.Error("auto backup failed", zap.Error(err))
		return
	}
	removed, err := b.CleanOld()
	if err != nil {
		b.log.Warn("backup cleanup failed", zap.Error(err))
	}
	b.log.Info("auto backup created", zap.String("file", filename), zap.Int("removed_old", removed))
}
