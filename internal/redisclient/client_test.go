package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	c := New(rdb)
	c.newToken = func() string { return "owner-token" }
	return c, mock
}

func TestAcquireLock(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectSetNX("lock:expiration-sweep", "owner-token", 5*time.Minute).SetVal(true)

	token, ok, err := c.AcquireLock(context.Background(), "expiration-sweep", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner-token", token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLockHeldElsewhere(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectSetNX("lock:expiration-sweep", "owner-token", time.Minute).SetVal(false)

	token, ok, err := c.AcquireLock(context.Background(), "expiration-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestAcquireLockError(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectSetNX("lock:expiration-sweep", "owner-token", time.Minute).SetErr(errors.New("connection refused"))

	_, ok, err := c.AcquireLock(context.Background(), "expiration-sweep", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestReleaseLockOnlyByOwner(t *testing.T) {
	c, mock := newMockClient(t)
	sha := redis.NewScript(releaseLockScript).Hash()

	mock.ExpectEvalSha(sha, []string{"lock:expiration-sweep"}, "owner-token").SetVal(int64(1))
	released, err := c.ReleaseLock(context.Background(), "expiration-sweep", "owner-token")
	require.NoError(t, err)
	assert.True(t, released)

	mock.ExpectEvalSha(sha, []string{"lock:expiration-sweep"}, "stale-token").SetVal(int64(0))
	released, err = c.ReleaseLock(context.Background(), "expiration-sweep", "stale-token")
	require.NoError(t, err)
	assert.False(t, released)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectSetNX("processed:evt-1", "1", 24*time.Hour).SetVal(true)
	mock.ExpectSetNX("processed:evt-1", "1", 24*time.Hour).SetVal(false)
	mock.ExpectDel("processed:evt-1").SetVal(1)

	first, err := c.MarkProcessed(context.Background(), "evt-1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = c.MarkProcessed(context.Background(), "evt-1", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, first)

	assert.NoError(t, c.ForgetProcessed(context.Background(), "evt-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
