package reliability

import (
	"context"
	"errors"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/circuitbreaker"
	"carelink/pkg/retry"

	"go.uber.org/zap"
)

// RoomRepository wraps a remote room store with retries and a circuit
// breaker, so a struggling Redis fails joins fast instead of stalling them.
type RoomRepository struct {
	repo    ports.RoomRepository
	logger  *zap.SugaredLogger
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

func NewRoomRepository(
	repo ports.RoomRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RoomRepository {
	cbConfig.IsFailure = isStoreFailure
	w := &RoomRepository{
		repo:    repo,
		logger:  logger,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("room store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

// isStoreFailure keeps domain outcomes such as a missing room from counting
// as outages.
func isStoreFailure(err error) bool {
	return !errors.Is(err, domain.ErrRoomNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// guard runs fn through the breaker, retrying store failures only.
func guard[T any](ctx context.Context, w *RoomRepository, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, w.retry, func() (T, error) {
		v, err := circuitbreaker.Do(ctx, w.breaker, fn)
		if err != nil && (errors.Is(err, circuitbreaker.ErrOpen) || !isStoreFailure(err)) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
}

func (w *RoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return guard(ctx, w, func() (*domain.Room, error) {
		return w.repo.Get(ctx, id)
	})
}

func (w *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	_, err := guard(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.repo.Save(ctx, room)
	})
	return err
}

func (w *RoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	_, err := guard(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.repo.Delete(ctx, id)
	})
	return err
}

// Ping bypasses the breaker so health checks see the store itself.
func (w *RoomRepository) Ping(ctx context.Context) error {
	return w.repo.Ping(ctx)
}

func (w *RoomRepository) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}
