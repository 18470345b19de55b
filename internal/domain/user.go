// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxNameLen          = 64
)

var (
	ErrNameTooLong          = errors.New("name too long")
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

// ParticipantID is an opaque user id. Ordering of ids decides the offerer of a pair.
type ParticipantID string

type Participant struct {
	ID        ParticipantID `json:"id"`
	Name      string        `json:"name"`
	AvatarURL string        `json:"avatar_url,omitempty"`
}

// NewParticipant validates id and name. An empty id gets a fresh uuid.
func NewParticipant(id, name string) (*Participant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	p := &Participant{ID: ParticipantID(id)}
	if err := p.SetName(name); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetName(name string) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if name == "" {
		name = "User"
	}
	p.Name = name
	return nil
}
