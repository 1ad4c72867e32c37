package domain

import "time"

type RoomID string
type ParticipantID string

// RoomCapacity is the number of participants a consultation room admits.
const RoomCapacity = 2

type Participant struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name"`
	RoomID   RoomID        `json:"room_id"`
	JoinedAt time.Time     `json:"joined_at"`
}

// Room holds participants in arrival order.
type Room struct {
	ID           RoomID         `json:"id"`
	Participants []*Participant `json:"participants"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (r *Room) Full() bool {
	return len(r.Participants) >= RoomCapacity
}

func (r *Room) Empty() bool {
	return len(r.Participants) == 0
}

// Find returns the participant with id, or nil.
func (r *Room) Find(id ParticipantID) *Participant {
	for _, p := range r.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Others returns every participant except id, preserving arrival order.
func (r *Room) Others(id ParticipantID) []*Participant {
	others := make([]*Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID != id {
			others = append(others, p)
		}
	}
	return others
}

// Remove drops the participant and reports whether it was present.
func (r *Room) Remove(id ParticipantID) bool {
	for i, p := range r.Participants {
		if p.ID == id {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}
