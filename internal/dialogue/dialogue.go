// Package dialogue provides the conversation engine that produces assistant
// replies for the voice session.
//
// The [Engine] interface is what the session orchestrator consumes: it
// appends user utterances, exposes the ordered history together with a
// loading flag, and pushes a [Snapshot] to subscribers on every change. [Chat]
// is the production implementation backed by an [llm.Provider]; streamed
// tokens update a single assistant message in place so subscribers can render
// the reply as it grows.
package dialogue

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a [Message].
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation history.
type Message struct {
	// ID uniquely identifies the message. It stays stable while a streamed
	// reply grows, so consumers can detect duplicate notifications.
	ID string `json:"id"`

	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Created time.Time `json:"created_at"`
}

// Snapshot is the state pushed to subscribers after every change.
type Snapshot struct {
	// Messages is a copy of the ordered history.
	Messages []Message

	// IsLoading is true while a reply is being generated.
	IsLoading bool

	// Err is the failure of the most recent generation, if any.
	Err error
}

// Last returns the final message of the snapshot and false when the history
// is empty.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Sentinel errors.
var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("dialogue: closed")

	// ErrBusy is returned when a user message arrives while a reply is still
	// being generated.
	ErrBusy = errors.New("dialogue: reply in progress")

	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("dialogue: invalid role")
)

// Engine is the dialogue collaborator consumed by the session orchestrator.
//
// Implementations must be safe for concurrent use and must invoke
// subscribers without holding internal locks.
type Engine interface {
	// Append adds a message to the history. A user message starts reply
	// generation; Append returns once the reply is complete or failed.
	Append(ctx context.Context, role Role, content string) error

	// Messages returns a copy of the ordered history.
	Messages() []Message

	// IsLoading reports whether a reply is being generated.
	IsLoading() bool

	// Subscribe registers fn to receive a [Snapshot] after every change and
	// returns a function that removes the subscription.
	Subscribe(fn func(Snapshot)) (cancel func())
}
