package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/infrastructure/repositories/memory"
	"carelink/pkg/circuitbreaker"
	"carelink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStore = errors.New("connection refused")

// flakyRepository fails the first n calls to Save and Get.
type flakyRepository struct {
	*memory.MemoryRoomRepository
	failures int
	calls    int
}

func (f *flakyRepository) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errStore
	}
	return nil
}

func (f *flakyRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryRoomRepository.Get(ctx, id)
}

func (f *flakyRepository) Save(ctx context.Context, room *domain.Room) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryRoomRepository.Save(ctx, room)
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func newFlaky(failures int) *flakyRepository {
	return &flakyRepository{
		MemoryRoomRepository: memory.NewMemoryRoomRepository().(*memory.MemoryRoomRepository),
		failures:             failures,
	}
}

func TestRoomRepository_RetriesTransientFailures(t *testing.T) {
	inner := newFlaky(2)
	repo := NewRoomRepository(inner, fastRetry(3), circuitbreaker.Config{FailureThreshold: 5, Timeout: time.Minute}, zap.NewNop().Sugar())
	ctx := context.Background()

	room := &domain.Room{ID: "consult-1"}
	require.NoError(t, repo.Save(ctx, room))
	assert.Equal(t, 3, inner.calls)

	got, err := repo.Get(ctx, "consult-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("consult-1"), got.ID)
}

func TestRoomRepository_NotFoundIsNotRetriedOrCounted(t *testing.T) {
	inner := newFlaky(0)
	repo := NewRoomRepository(inner, fastRetry(3), circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute}, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		_, err := repo.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	}
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, circuitbreaker.StateClosed, repo.BreakerState())
}

func TestRoomRepository_OpenBreakerFailsFast(t *testing.T) {
	inner := newFlaky(100)
	repo := NewRoomRepository(inner, fastRetry(0), circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute}, zap.NewNop().Sugar())
	ctx := context.Background()

	assert.ErrorIs(t, repo.Save(ctx, &domain.Room{ID: "a"}), errStore)
	assert.ErrorIs(t, repo.Save(ctx, &domain.Room{ID: "a"}), errStore)
	require.Equal(t, circuitbreaker.StateOpen, repo.BreakerState())

	calls := inner.calls
	assert.ErrorIs(t, repo.Save(ctx, &domain.Room{ID: "a"}), circuitbreaker.ErrOpen)
	assert.Equal(t, calls, inner.calls)

	// health checks still reach the store
	assert.NoError(t, repo.Ping(ctx))
}
