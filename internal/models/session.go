package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// GuestAccountID is the account identifier used before sign-in.
	GuestAccountID = "guest-user"
	guestID        = "guest"
	guestPrefix    = "guest-"

	titleMaxRunes = 30
	DefaultTitle  = "New Conversation"
)

// Session groups the messages of one conversation. Timestamp is the last
// update time in epoch milliseconds.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Timestamp int64     `json:"timestamp"`
}

var ErrInvalidSession = errors.New("invalid session")

// Validate checks the identity fields and the uniqueness of message ids.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidSession)
	}
	seen := make(map[string]struct{}, len(s.Messages))
	for _, msg := range s.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		if _, dup := seen[msg.ID]; dup {
			return fmt.Errorf("%w: duplicate message id %s", ErrInvalidSession, msg.ID)
		}
		seen[msg.ID] = struct{}{}
	}
	return nil
}

// WithoutAudio returns a deep copy of s whose messages carry no audio.
func (s Session) WithoutAudio() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, msg := range s.Messages {
			out.Messages[i] = msg.WithoutAudio()
		}
	}
	return out
}

// DedupeMessages keeps the first occurrence of every message id.
func (s Session) DedupeMessages() Session {
	if len(s.Messages) == 0 {
		return s
	}
	seen := make(map[string]struct{}, len(s.Messages))
	kept := make([]Message, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		kept = append(kept, msg)
	}
	s.Messages = kept
	return s
}

// TitleFromPrompt derives a session title from the first user prompt.
func TitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(prompt) <= titleMaxRunes {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:titleMaxRunes]) + "..."
}

// IsGuest reports whether accountID belongs to a signed-out visitor. Guest
// history never leaves the device.
func IsGuest(accountID string) bool {
	return accountID == "" || accountID == guestID || strings.HasPrefix(accountID, guestPrefix)
}
