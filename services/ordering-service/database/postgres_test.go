package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestConnectWithRetry_GivesUp(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	calls := 0

	_, err := connectWithRetry(context.Background(), zap.New(core), time.Microsecond, func() (*gorm.DB, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, connectAttempts, calls)
	assert.Equal(t, connectAttempts, logs.FilterMessage("DB connection failed, retrying").Len())
}

func TestConnectWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := connectWithRetry(ctx, zap.NewNop(), time.Hour, func() (*gorm.DB, error) {
		calls++
		cancel()
		return nil, errors.New("connection refused")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestClosePostgres_Nil(t *testing.T) {
	assert.NoError(t, ClosePostgres(nil))
}
