package ports

import (
	"context"

	"carelink/internal/core/domain"
)

// RoomRepository stores room presence. Implementations return copies; callers
// persist changes with Save.
type RoomRepository interface {
	Get(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Save(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
	Ping(ctx context.Context) error
}

// RoomLocker serializes joins and leaves for one room across relay
// instances sharing a store. unlock must be called exactly once.
type RoomLocker interface {
	LockRoom(ctx context.Context, id domain.RoomID) (unlock func(), err error)
}
