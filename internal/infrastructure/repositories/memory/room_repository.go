package memory

import (
	"context"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomRepository) Ping(ctx context.Context) error {
	return nil
}

func cloneRoom(room *domain.Room) *domain.Room {
	cp := &domain.Room{
		ID:           room.ID,
		CreatedAt:    room.CreatedAt,
		Participants: make([]*domain.Participant, 0, len(room.Participants)),
	}
	for _, p := range room.Participants {
		pc := *p
		cp.Participants = append(cp.Participants, &pc)
	}
	return cp
}
