package ports

import (
	"context"

	"carelink/internal/core/domain"
)

type RoomService interface {
	// Join admits p and returns the participants already present, in arrival order.
	Join(ctx context.Context, roomID domain.RoomID, p *domain.Participant) ([]*domain.Participant, error)
	// Leave removes the participant and returns whoever remains.
	Leave(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) ([]*domain.Participant, error)
	Room(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
}
