package redis

import (
	"context"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockPrefix = "carelink:lock:room:"
	// lockTTL bounds how long a crashed relay can hold a room.
	lockTTL = 5 * time.Second
)

type RoomLocker struct {
	locker *distributed.Locker
	logger *zap.SugaredLogger
}

func NewRoomLocker(client redis.Cmdable, logger *zap.SugaredLogger) ports.RoomLocker {
	return &RoomLocker{
		locker: distributed.NewLocker(client, lockPrefix, lockTTL),
		logger: logger,
	}
}

func (l *RoomLocker) LockRoom(ctx context.Context, id domain.RoomID) (func(), error) {
	lease, err := l.locker.Lock(ctx, string(id))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warnw("failed to release room lock", "room", id, "error", err)
		}
	}, nil
}
