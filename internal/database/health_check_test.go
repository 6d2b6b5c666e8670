package database

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestHealthChecker_Basic(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	checker := NewHealthChecker("postgres", db.PingContext, newTestLogger())
	require.NotNil(t, checker)

	err = checker.Check(context.Background())
	assert.NoError(t, err)
	assert.True(t, checker.IsHealthy())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_FailureAndRecovery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker("postgres", db.PingContext, newTestLogger())
	ctx := context.Background()

	// ping失败
	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	err = checker.Check(ctx)
	assert.Error(t, err)
	assert.False(t, checker.IsHealthy())
	assert.NotEmpty(t, checker.GetHealthResult().LastError)

	// 恢复
	mock.ExpectPing()
	err = checker.Check(ctx)
	assert.NoError(t, err)
	assert.True(t, checker.IsHealthy())
	assert.Empty(t, checker.GetHealthResult().LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_BackgroundMonitoring(t *testing.T) {
	var calls atomic.Int32
	checker := NewHealthChecker("redis", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, newTestLogger())
	checker.SetCheckInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	require.NoError(t, checker.WaitForHealthy(ctx, time.Second))
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 10*time.Millisecond)

	checker.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}

func TestHealthChecker_Result(t *testing.T) {
	checker := NewHealthChecker("postgres", func(ctx context.Context) error {
		return errors.New("connection refused")
	}, newTestLogger())

	// 初始状态
	result := checker.GetHealthResult()
	assert.Equal(t, "postgres", result.Name)
	assert.False(t, result.Healthy)
	assert.True(t, result.LastCheck.IsZero())

	require.Error(t, checker.Check(context.Background()))
	result = checker.GetHealthResult()
	assert.False(t, result.Healthy)
	assert.False(t, result.LastCheck.IsZero())
	assert.Equal(t, "connection refused", result.LastError)
}

func TestHealthChecker_WaitForHealthy(t *testing.T) {
	var healthy atomic.Bool
	checker := NewHealthChecker("postgres", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}, newTestLogger())

	ctx := context.Background()
	require.Error(t, checker.Check(ctx))

	go func() {
		time.Sleep(50 * time.Millisecond)
		healthy.Store(true)
		checker.Check(ctx)
	}()

	err := checker.WaitForHealthy(ctx, time.Second)
	assert.NoError(t, err)
	assert.True(t, checker.IsHealthy())

	// 超时
	down := NewHealthChecker("x", func(ctx context.Context) error { return errors.New("down") }, newTestLogger())
	err = down.WaitForHealthy(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthGroup(t *testing.T) {
	group := NewHealthGroup()
	assert.True(t, group.Healthy())
	assert.Empty(t, group.Results())

	up := NewHealthChecker("postgres", func(ctx context.Context) error { return nil }, newTestLogger())
	down := NewHealthChecker("redis", func(ctx context.Context) error { return errors.New("refused") }, newTestLogger())
	group.Add(up)
	group.Add(down)

	ctx := context.Background()
	require.NoError(t, up.Check(ctx))
	require.Error(t, down.Check(ctx))

	assert.False(t, group.Healthy())
	results := group.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "postgres", results[0].Name)
	assert.True(t, results[0].Healthy)
	assert.Equal(t, "redis", results[1].Name)
	assert.Equal(t, "refused", results[1].LastError)
}
