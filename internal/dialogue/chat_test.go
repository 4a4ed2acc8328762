package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lifevoice/pkg/provider/llm"
	llmmock "github.com/MrWong99/lifevoice/pkg/provider/llm/mock"
)

// recorder collects snapshots delivered to a subscriber.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func TestChat_AppendStreamsReply(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.TextChunks("I'd love ", "to hear ", "more.")}
	c := New(p, WithSystemPrompt("You are a biographer."), WithTemperature(0.4))

	rec := &recorder{}
	c.Subscribe(rec.record)

	if err := c.Append(t.Context(), RoleUser, "I moved to Paris in 2015"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "I moved to Paris in 2015" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "I'd love to hear more." {
		t.Errorf("reply = %+v", msgs[1])
	}
	if msgs[0].ID == "" || msgs[1].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Errorf("message IDs not unique: %q %q", msgs[0].ID, msgs[1].ID)
	}
	if c.IsLoading() {
		t.Error("IsLoading = true after Append returned")
	}

	req := p.LastStreamRequest()
	if req.SystemPrompt != "You are a biographer." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Errorf("request messages = %+v", req.Messages)
	}

	snaps := rec.all()
	// user message, three growing reply updates, final not-loading snapshot.
	if len(snaps) != 5 {
		t.Fatalf("got %d snapshots, want 5", len(snaps))
	}
	if !snaps[0].IsLoading {
		t.Error("first snapshot should be loading")
	}
	replyID := ""
	for i, s := range snaps[1:4] {
		last, _ := s.Last()
		if !s.IsLoading {
			t.Errorf("snapshot %d: IsLoading = false during stream", i+1)
		}
		if replyID == "" {
			replyID = last.ID
		}
		if last.ID != replyID {
			t.Errorf("snapshot %d: reply ID changed from %q to %q", i+1, replyID, last.ID)
		}
	}
	final := snaps[4]
	last, ok := final.Last()
	if final.IsLoading || !ok || last.Role != RoleAssistant || last.ID != replyID {
		t.Errorf("final snapshot = %+v", final)
	}
}

func TestChat_WelcomeSeedsHistory(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.TextChunks("Tell me more.")}
	c := New(p, WithWelcome("Hello! Where did you grow up?"))

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant {
		t.Fatalf("Messages = %+v, want one assistant greeting", msgs)
	}

	if err := c.Append(t.Context(), RoleUser, "In Lyon."); err != nil {
		t.Fatalf("Append: %v", err)
	}
	req := p.LastStreamRequest()
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleAssistant {
		t.Errorf("request messages = %+v, want greeting first", req.Messages)
	}
}

func TestChat_BlankWelcomeIgnored(t *testing.T) {
	t.Parallel()
	c := New(&llmmock.Provider{}, WithWelcome("   "))
	if n := len(c.Messages()); n != 0 {
		t.Errorf("len(Messages) = %d, want 0", n)
	}
}

func TestChat_AppendAssistant(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	c := New(p)
	rec := &recorder{}
	c.Subscribe(rec.record)

	if err := c.Append(t.Context(), RoleAssistant, "Welcome back."); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := p.StreamCallCount(); got != 0 {
		t.Errorf("StreamCompletion called %d times, want 0", got)
	}
	snaps := rec.all()
	if len(snaps) != 1 || snaps[0].IsLoading {
		t.Errorf("snapshots = %+v", snaps)
	}
}

func TestChat_InvalidRole(t *testing.T) {
	t.Parallel()
	c := New(&llmmock.Provider{})
	err := c.Append(t.Context(), Role("system"), "x")
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err = %v, want ErrInvalidRole", err)
	}
}

func TestChat_StreamStartError(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	p := &llmmock.Provider{StreamErr: boom}
	c := New(p)
	rec := &recorder{}
	c.Subscribe(rec.record)

	err := c.Append(t.Context(), RoleUser, "hello")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if c.IsLoading() {
		t.Error("IsLoading = true after failure")
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("Err() = %v", c.Err())
	}
	snaps := rec.all()
	if final := snaps[len(snaps)-1]; final.IsLoading || !errors.Is(final.Err, boom) {
		t.Errorf("final snapshot = %+v", final)
	}
}

func TestChat_MidStreamErrorDropsPartialReply(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Partial "},
		{FinishReason: "error", Err: boom},
	}}
	c := New(p)

	err := c.Append(t.Context(), RoleUser, "hello")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("Messages = %+v, want only the user message", msgs)
	}
}

func TestChat_EmptyReplyStillPublished(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.TextChunks()}
	c := New(p)
	if err := c.Append(t.Context(), RoleUser, "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	msgs := c.Messages()
	if len(msgs) != 2 || msgs[1].Role != RoleAssistant || msgs[1].Content != "" {
		t.Errorf("Messages = %+v, want empty assistant reply", msgs)
	}
}

func TestChat_BusyWhileLoading(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	p := &llmmock.Provider{StreamChunks: llmmock.TextChunks("ok"), StreamGate: gate}
	c := New(p)

	done := make(chan error, 1)
	go func() { done <- c.Append(context.Background(), RoleUser, "first") }()

	waitFor(t, c.IsLoading)
	if err := c.Append(t.Context(), RoleUser, "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Append err = %v, want ErrBusy", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Append: %v", err)
	}
}

func TestChat_CloseCancelsReply(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	p := &llmmock.Provider{StreamChunks: llmmock.TextChunks("never"), StreamGate: gate}
	c := New(p)

	done := make(chan error, 1)
	go func() { done <- c.Append(context.Background(), RoleUser, "hello") }()
	waitFor(t, c.IsLoading)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Append err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Append did not return after Close")
	}
	if err := c.Append(t.Context(), RoleUser, "again"); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestChat_Unsubscribe(t *testing.T) {
	t.Parallel()

	c := New(&llmmock.Provider{})
	rec := &recorder{}
	cancel := c.Subscribe(rec.record)
	cancel()
	cancel()

	_ = c.Append(t.Context(), RoleAssistant, "hi")
	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d snapshots after unsubscribe, want 0", n)
	}
}

func TestChat_TrimsHistoryToBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
		caps llm.ModelCapabilities
		want int
	}{
		{
			name: "explicit budget keeps newest",
			opts: []Option{WithMaxHistoryTokens(30)},
			want: 3,
		},
		{
			name: "context window minus max output",
			caps: llm.ModelCapabilities{ContextWindow: 40, MaxOutputTokens: 20},
			want: 2,
		},
		{
			name: "unknown window keeps everything",
			want: 7,
		},
		{
			name: "tiny budget keeps last message",
			opts: []Option{WithMaxHistoryTokens(1)},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &llmmock.Provider{
				ModelCapabilities: tt.caps,
				StreamChunks:      llmmock.TextChunks("ok"),
				// Every message costs ten tokens.
				CountTokensFunc: func(msgs []llm.Message) (int, error) { return 10 * len(msgs), nil },
			}
			c := New(p, tt.opts...)
			for i := range 3 {
				c.messages = append(c.messages,
					c.newMessage(RoleUser, strings.Repeat("u", i+1)),
					c.newMessage(RoleAssistant, strings.Repeat("a", i+1)))
			}

			if err := c.Append(t.Context(), RoleUser, "latest"); err != nil {
				t.Fatalf("Append: %v", err)
			}
			req := p.LastStreamRequest()
			if len(req.Messages) != tt.want {
				t.Fatalf("sent %d messages, want %d", len(req.Messages), tt.want)
			}
			if last := req.Messages[len(req.Messages)-1]; last.Content != "latest" {
				t.Errorf("last message = %q, want latest", last.Content)
			}
			// Trimming affects the request only, never the stored history.
			if n := len(c.Messages()); n != 8 {
				t.Errorf("stored history = %d messages, want 8", n)
			}
		})
	}
}

func TestChat_TrimFallsBackToEstimate(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		StreamChunks:   llmmock.TextChunks("ok"),
		CountTokensErr: errors.New("no tokeniser"),
	}
	c := New(p, WithMaxHistoryTokens(30))
	c.messages = append(c.messages, c.newMessage(RoleUser, strings.Repeat("x", 400)))

	if err := c.Append(t.Context(), RoleUser, "short"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := len(p.LastStreamRequest().Messages); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}
