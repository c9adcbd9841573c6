package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"library_reservation/pkg/config"
	"library_reservation/pkg/models"
)

const (
	connectAttempts = 10
	connectDelay    = 5 * time.Second
)

// InitReservationDB connects to the reservation database and migrates the
// reservation and reconciliation tables.
func InitReservationDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*gorm.DB, error) {
	return Connect(cfg, logger, &models.Reservation{}, &models.ReconciliationEntry{})
}

// InitBookDB connects to the book inventory database.
func InitBookDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*gorm.DB, error) {
	return Connect(cfg, logger, &models.Book{}, &models.InventoryHold{})
}

func Connect(cfg config.DatabaseConfig, logger zerolog.Logger, migrate ...interface{}) (*gorm.DB, error) {
	logger.Info().Str("host", cfg.Host).Str("port", cfg.Port).Str("db", cfg.Name).Msg("connecting to database")

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < connectAttempts; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			NowFunc:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
			TranslateError: true,
		})
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", connectAttempts).Msg("database connection attempt failed")
		if i < connectAttempts-1 {
			time.Sleep(connectDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := db.AutoMigrate(migrate...); err != nil {
		return nil, fmt.Errorf("database migration: %w", err)
	}
	if err := Ping(context.Background(), db); err != nil {
		return nil, err
	}

	logger.Info().Msg("database connection established")
	return db, nil
}

func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}
