package models

import (
	"errors"
	"fmt"
)

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is one of the roles persisted by the history stores.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Message is one entry of a conversation. AudioData carries base64 PCM when
// speech has been synthesized for the entry; it is never written to the local
// snapshot.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	AudioData string `json:"audioData,omitempty"`
}

var ErrInvalidMessage = errors.New("invalid message")

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidMessage)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

// WithoutAudio returns a copy of m with the audio payload dropped.
func (m Message) WithoutAudio() Message {
	m.AudioData = ""
	return m
}
