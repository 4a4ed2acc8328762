// Package mock provides a test double for the dialogue.Engine interface.
//
// Engine records every Append call and lets tests drive the snapshot stream
// explicitly with Reply and Publish, so orchestrator behaviour can be checked
// against duplicate, stale or loading notifications.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/lifevoice/internal/dialogue"
)

// AppendCall records a single invocation of Append.
type AppendCall struct {
	Role    dialogue.Role
	Content string
}

// Engine is a mock implementation of dialogue.Engine.
type Engine struct {
	mu sync.Mutex

	// AppendErr, if non-nil, is returned from Append.
	AppendErr error

	// AutoReply, if non-empty, makes every user Append publish a loading
	// snapshot followed by a finished assistant reply with this content.
	// Otherwise a user Append leaves the engine loading until Reply or
	// Publish is called.
	AutoReply string

	// AppendCalls records every invocation of Append in order.
	AppendCalls []AppendCall

	messages []dialogue.Message
	loading  bool
	subs     map[int]func(dialogue.Snapshot)
	nextSub  int
	nextID   int
}

// Append records the call and stores the message.
func (e *Engine) Append(_ context.Context, role dialogue.Role, content string) error {
	e.mu.Lock()
	e.AppendCalls = append(e.AppendCalls, AppendCall{Role: role, Content: content})
	if e.AppendErr != nil {
		err := e.AppendErr
		e.mu.Unlock()
		return err
	}
	e.messages = append(e.messages, e.newMessageLocked(role, content))
	reply := e.AutoReply
	if role == dialogue.RoleUser {
		e.loading = true
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.deliver(snap)
	if role == dialogue.RoleUser && reply != "" {
		e.Reply(reply)
	}
	return nil
}

// Reply appends a finished assistant message, publishes it and returns its ID.
func (e *Engine) Reply(content string) string {
	e.mu.Lock()
	m := e.newMessageLocked(dialogue.RoleAssistant, content)
	e.messages = append(e.messages, m)
	e.loading = false
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.deliver(snap)
	return m.ID
}

// Publish replaces the mock state with snap and delivers it to subscribers.
func (e *Engine) Publish(snap dialogue.Snapshot) {
	e.mu.Lock()
	e.messages = append([]dialogue.Message(nil), snap.Messages...)
	e.loading = snap.IsLoading
	e.mu.Unlock()
	e.deliver(snap)
}

// Republish delivers the current state again, unchanged.
func (e *Engine) Republish() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.deliver(snap)
}

// Messages returns a copy of the stored history.
func (e *Engine) Messages() []dialogue.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dialogue.Message(nil), e.messages...)
}

// IsLoading reports the loading flag of the last published snapshot.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Subscribe registers fn.
func (e *Engine) Subscribe(fn func(dialogue.Snapshot)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]func(dialogue.Snapshot))
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// AppendCount returns the number of Append calls. Thread-safe.
func (e *Engine) AppendCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.AppendCalls)
}

// UserContents returns the content of every user Append call in order.
func (e *Engine) UserContents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.AppendCalls {
		if c.Role == dialogue.RoleUser {
			out = append(out, c.Content)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (e *Engine) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Engine) newMessageLocked(role dialogue.Role, content string) dialogue.Message {
	e.nextID++
	return dialogue.Message{
		ID:      fmt.Sprintf("msg-%d", e.nextID),
		Role:    role,
		Content: content,
		Created: time.Now(),
	}
}

func (e *Engine) snapshotLocked() dialogue.Snapshot {
	return dialogue.Snapshot{
		Messages:  append([]dialogue.Message(nil), e.messages...),
		IsLoading: e.loading,
	}
}

func (e *Engine) deliver(snap dialogue.Snapshot) {
	e.mu.Lock()
	fns := make([]func(dialogue.Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Ensure Engine implements dialogue.Engine at compile time.
var _ dialogue.Engine = (*Engine)(nil)
