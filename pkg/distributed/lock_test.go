package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker() (*Locker, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	l := NewLocker(db, "carelink:lock:", 5*time.Second)
	l.pollInterval = time.Millisecond
	l.newToken = func() string { return "token-1" }
	return l, mock
}

func TestLocker_LockAndRelease(t *testing.T) {
	l, mock := newTestLocker()
	ctx := context.Background()

	mock.ExpectSetNX("carelink:lock:room:consult-1", "token-1", 5*time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"carelink:lock:room:consult-1"}, "token-1").SetVal(int64(1))

	lease, err := l.Lock(ctx, "room:consult-1")
	require.NoError(t, err)
	assert.Equal(t, "carelink:lock:room:consult-1", lease.Key())
	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitsForHolder(t *testing.T) {
	l, mock := newTestLocker()

	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(true)

	_, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_TryLockBusy(t *testing.T) {
	l, mock := newTestLocker()
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(false)

	lease, ok, err := l.TryLock(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)
}

func TestLocker_ContextEndsWait(t *testing.T) {
	l, mock := newTestLocker()
	l.pollInterval = time.Hour
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocker_RedisError(t *testing.T) {
	l, mock := newTestLocker()
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetErr(errors.New("connection refused"))

	_, err := l.Lock(context.Background(), "a")
	assert.Error(t, err)
}

func TestLease_ReleaseAfterExpiry(t *testing.T) {
	l, mock := newTestLocker()
	mock.ExpectSetNX("carelink:lock:a", "token-1", 5*time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"carelink:lock:a"}, "token-1").SetVal(int64(0))

	lease, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Release(context.Background()), ErrNotHeld)
}
