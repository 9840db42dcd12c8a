package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to Postgres when databaseURL is set, otherwise to the SQLite file at sqlitePath,
// and migrates the schema.
func Open(databaseURL, sqlitePath string, l *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{l.Sugar().Named("gorm")}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var (
		db  *gorm.DB
		err error
	)
	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), cfg)
	} else {
		db, err = openSQLite(sqlitePath, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func openSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if !strings.Contains(path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite has one writer; a single connection serializes transactions instead of failing them with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Payment{}, &Subscription{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// at most one provisioning/active subscription per user
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_live_user
		ON subscriptions (telegram_id) WHERE status IN ('provisioning', 'active')`).Error
	if err != nil {
		return fmt.Errorf("create live subscription index: %w", err)
	}
	return nil
}

type gormWriter struct {
	l *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.l.Warnf(format, args...)
}
