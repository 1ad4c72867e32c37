package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
)

// roomService enforces two-party rooms. Joins and leaves are serialized so the
// arrival order stored in the repository decides who negotiates as initiator.
type roomService struct {
	roomRepo ports.RoomRepository
	locker   ports.RoomLocker
	mu       sync.Mutex
	now      func() time.Time
}

type RoomServiceOption func(*roomService)

// WithRoomLocker extends serialization to every relay sharing the store.
func WithRoomLocker(l ports.RoomLocker) RoomServiceOption {
	return func(s *roomService) { s.locker = l }
}

func NewRoomService(roomRepo ports.RoomRepository, opts ...RoomServiceOption) ports.RoomService {
	s := &roomService{
		roomRepo: roomRepo,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock must be called with mu held.
func (s *roomService) lock(ctx context.Context, roomID domain.RoomID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.LockRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("lock room %s: %w", roomID, err)
	}
	return unlock, nil
}

func (s *roomService) Join(ctx context.Context, roomID domain.RoomID, p *domain.Participant) ([]*domain.Participant, error) {
	if roomID == "" {
		return nil, domain.ErrInvalidRoomToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	room, err := s.roomRepo.Get(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		room = &domain.Room{ID: roomID, CreatedAt: s.now()}
	} else if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	if room.Find(p.ID) != nil {
		return nil, domain.ErrParticipantExists
	}
	if room.Full() {
		return nil, domain.ErrRoomFull
	}

	present := room.Others(p.ID)

	p.RoomID = roomID
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	room.Participants = append(room.Participants, p)

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("save room %s: %w", roomID, err)
	}
	return present, nil
}

func (s *roomService) Leave(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) ([]*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	room, err := s.roomRepo.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Remove(id) {
		return nil, domain.ErrParticipantNotFound
	}

	if room.Empty() {
		if err := s.roomRepo.Delete(ctx, roomID); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			return nil, fmt.Errorf("delete room %s: %w", roomID, err)
		}
		return nil, nil
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("save room %s: %w", roomID, err)
	}
	return room.Participants, nil
}

func (s *roomService) Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.roomRepo.Get(ctx, roomID)
}
