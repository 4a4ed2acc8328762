// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session per StartStream call (or the sessions
// produced by NewSession) and records them, so tests can drive each session
// the way a live provider would: confirm start, emit transcripts, end with or
// without an error.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess := p.Last()
//	sess.EmitFinal("hello")
//	sess.End(&stt.Error{Code: stt.CodeNetwork})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/lifevoice/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// HoldStart leaves new sessions unconfirmed until Session.ConfirmStart.
	HoldStart bool

	// NewSession, if set, builds the session returned by StartStream.
	NewSession func(cfg stt.StreamConfig) *Session

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every session handed out, in order.
	Sessions []*Session

	notify chan struct{}
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new Session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	var s *Session
	if p.NewSession != nil {
		s = p.NewSession(cfg)
	} else {
		s = NewSession()
	}
	if !p.HoldStart {
		s.ConfirmStart()
	}
	p.Sessions = append(p.Sessions, s)
	if p.notify != nil {
		close(p.notify)
		p.notify = nil
	}
	return s, nil
}

// StartCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// SessionCount returns how many sessions were handed out. Thread-safe.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// NextSession returns a channel closed when the next session is created.
func (p *Provider) NextSession() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan struct{})
	}
	return p.notify
}

// ErrSessionEnded is returned by SendAudio after the session ended.
var ErrSessionEnded = errors.New("mock stt: session ended")

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	started  chan struct{}
	done     chan struct{}

	startOnce sync.Once
	endOnce   sync.Once
	err       error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns an unconfirmed session with buffered output channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionEnded
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return s.SendAudioErr
}

func (s *Session) Started() <-chan struct{}        { return s.started }
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }
func (s *Session) Done() <-chan struct{}           { return s.done }

// Err returns the error the session ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the session without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// ConfirmStart closes the Started channel.
func (s *Session) ConfirmStart() {
	s.startOnce.Do(func() { close(s.started) })
}

// EmitFinal sends a committed transcript. It is a no-op once ended.
func (s *Session) EmitFinal(text string) {
	s.emit(s.finals, stt.Transcript{Text: text, IsFinal: true})
}

// EmitPartial sends an interim transcript. It is a no-op once ended.
func (s *Session) EmitPartial(text string) {
	s.emit(s.partials, stt.Transcript{Text: text})
}

func (s *Session) emit(ch chan stt.Transcript, t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	ch <- t
}

// End terminates the session with err, closing the output channels and
// Done. Later calls have no effect.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.partials)
		close(s.finals)
		close(s.done)
		s.mu.Unlock()
	})
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// AudioCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AudioChunks)
}
