// Package repository persists users and stream frames with gorm.
package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facepay/internal/retry"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("record already exists")
)

// Open connects to Postgres. Duplicate-key violations surface as
// gorm.ErrDuplicatedKey so repositories can map them to ErrDuplicate.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// AutoMigrate ensures every table is available.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&User{}, &StreamFrame{})
}

type base struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newBase(db *gorm.DB, logger *zap.Logger, name string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := retry.Default()
	return base{
		db:             db,
		logger:         logger.Named(name),
		retryAttempts:  p.Attempts,
		initialBackoff: p.InitialBackoff,
		maxBackoff:     p.MaxBackoff,
	}
}

func (b *base) executeWithRetry(ctx context.Context, operation, subject string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       b.retryAttempts,
		InitialBackoff: b.initialBackoff,
		MaxBackoff:     b.maxBackoff,
	}
	return retry.Do(ctx, policy, b.logger, operation, subject, fn)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
