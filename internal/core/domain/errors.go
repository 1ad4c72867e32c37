package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already in room")
	ErrInvalidRoomToken    = errors.New("invalid room token")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrMalformedMessage    = errors.New("malformed signaling message")
)
