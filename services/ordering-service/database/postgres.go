package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/services/ordering-service/config"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const connectAttempts = 10

// ConnectPostgres opens the order database, retrying while it comes up, and
// migrates the order schema.
func ConnectPostgres(ctx context.Context, cfg config.Postgres, logger *zap.Logger) (*gorm.DB, error) {
	return connectWithRetry(ctx, logger, 2*time.Second, func() (*gorm.DB, error) {
		return gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		})
	})
}

func connectWithRetry(ctx context.Context, logger *zap.Logger, step time.Duration, open func() (*gorm.DB, error)) (*gorm.DB, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		db, err := open()
		if err == nil {
			err = configure(ctx, db)
		}
		if err == nil {
			logger.Info("Connected to PostgreSQL successfully")
			if err := db.WithContext(ctx).AutoMigrate(&models.Order{}, &models.OrderItem{}); err != nil {
				return nil, fmt.Errorf("AutoMigrate failed: %w", err)
			}
			return db, nil
		}
		lastErr = err

		logger.Warn("DB connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * step):
		}
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", lastErr)
}

func configure(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return sqlDB.PingContext(ctx)
}

// ClosePostgres releases the pool.
func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
