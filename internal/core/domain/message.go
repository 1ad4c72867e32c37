package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MessageParticipantJoined MessageType = "participant_joined"
	MessageParticipantLeft   MessageType = "participant_left"
	MessageOffer             MessageType = "offer"
	MessageAnswer            MessageType = "answer"
	MessageICECandidate      MessageType = "ice_candidate"
	MessageRestartRequest    MessageType = "restart_request"
	MessageError             MessageType = "error"
)

// Message is the signaling envelope exchanged through the relay.
type Message struct {
	Type      MessageType                `json:"type"`
	UserID    ParticipantID              `json:"user_id,omitempty"`
	UserName  string                     `json:"user_name,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Message   string                     `json:"message,omitempty"`
}

// Relayed reports whether the relay forwards this type verbatim to the other participant.
func (t MessageType) Relayed() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICECandidate, MessageRestartRequest:
		return true
	}
	return false
}

func (t MessageType) Known() bool {
	switch t {
	case MessageParticipantJoined, MessageParticipantLeft, MessageOffer, MessageAnswer,
		MessageICECandidate, MessageRestartRequest, MessageError:
		return true
	}
	return false
}

// Validate checks that the payload required by the message type is present.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer without description", ErrMalformedMessage)
		}
	case MessageAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer without description", ErrMalformedMessage)
		}
	case MessageICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice_candidate without candidate", ErrMalformedMessage)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return nil
}

// DecodeMessage parses a JSON signaling message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func NewOfferMessage(sd webrtc.SessionDescription) *Message {
	return &Message{Type: MessageOffer, Offer: &sd}
}

func NewAnswerMessage(sd webrtc.SessionDescription) *Message {
	return &Message{Type: MessageAnswer, Answer: &sd}
}

func NewCandidateMessage(c webrtc.ICECandidateInit) *Message {
	return &Message{Type: MessageICECandidate, Candidate: &c}
}

func NewErrorMessage(text string) *Message {
	return &Message{Type: MessageError, Message: text}
}
