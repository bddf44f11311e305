package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/pkg/logger"
)

const (
	connectRetries = 5
	connectDelay   = 2 * time.Second
)

// Open builds the Store selected by cfg and returns a function releasing its
// resources.
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Store, func() error, error) {
	log = logger.OrDiscard(log).Component("store")

	if cfg.Driver == config.DriverMemory {
		log.Warn("using in-memory session store, history is lost on restart")
		return NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := OpenDB(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	log.Info("session store ready", "driver", cfg.Driver)
	return NewGormStore(db), sqlDB.Close, nil
}

// OpenDB connects to the configured database, retrying transient failures.
func OpenDB(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*gorm.DB, error) {
	log = logger.OrDiscard(log)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, &config.Error{Field: "DB_DRIVER", Value: cfg.Driver, Err: config.ErrInvalidValue}
	}

	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if log.Enabled(ctx, slog.LevelDebug) {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	var db *gorm.DB
	var err error
	for i := 0; i < connectRetries; i++ {
		db, err = gorm.Open(dialector, gormConfig)
		if err == nil {
			break
		}
		if cfg.Driver == config.DriverSQLite {
			break
		}

		log.Warn("failed to connect to database, retrying", "attempt", i+1, "delay", connectDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// SQLite 单写者；:memory: 数据库只在同一连接内可见。
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	return db, nil
}
