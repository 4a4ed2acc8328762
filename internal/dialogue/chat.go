package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lifevoice/internal/observe"
	"github.com/MrWong99/lifevoice/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ Engine = (*Chat)(nil)

var errStreamFailed = errors.New("stream finished with error")

// Chat is an [Engine] backed by a streaming [llm.Provider].
//
// The history is trimmed from the oldest end before each request so the
// prompt fits the model's context window (or the configured token budget).
// All methods are safe for concurrent use.
type Chat struct {
	llm              llm.Provider
	systemPrompt     string
	temperature      float64
	maxTokens        int
	maxHistoryTokens int
	metrics          *observe.Metrics
	now              func() time.Time

	mu       sync.Mutex
	messages []Message
	loading  bool
	lastErr  error
	closed   bool
	cancel   context.CancelFunc
	subs     map[uint64]func(Snapshot)
	nextSub  uint64
}

// Option is a functional option for [Chat].
type Option func(*Chat)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(c *Chat) { c.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) Option {
	return func(c *Chat) { c.temperature = t }
}

// WithMaxTokens caps the length of each reply.
func WithMaxTokens(n int) Option {
	return func(c *Chat) { c.maxTokens = n }
}

// WithMaxHistoryTokens sets the prompt token budget. When zero the budget is
// derived from the model's context window.
func WithMaxHistoryTokens(n int) Option {
	return func(c *Chat) { c.maxHistoryTokens = n }
}

// WithWelcome seeds the history with an assistant greeting.
func WithWelcome(text string) Option {
	return func(c *Chat) {
		if strings.TrimSpace(text) == "" {
			return
		}
		c.messages = append(c.messages, c.newMessage(RoleAssistant, text))
	}
}

// WithMetrics records reply latency to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Chat) { c.metrics = m }
}

// New creates a [Chat] over provider.
func New(provider llm.Provider, opts ...Option) *Chat {
	c := &Chat{
		llm:  provider,
		now:  time.Now,
		subs: make(map[uint64]func(Snapshot)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Append implements [Engine]. Assistant messages are stored as-is. A user
// message is stored and a reply is streamed into a new assistant message;
// Append blocks until the stream ends. Returns [ErrBusy] when a reply is
// already in progress.
func (c *Chat) Append(ctx context.Context, role Role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if role == RoleUser && c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = append(c.messages, c.newMessage(role, content))
	if role == RoleAssistant {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil
	}

	genCtx, cancel := context.WithCancel(ctx)
	c.loading = true
	c.lastErr = nil
	c.cancel = cancel
	history := c.toLLM()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	defer cancel()

	c.notify(snap)

	start := time.Now()
	err := c.generate(genCtx, history)
	c.metrics.RecordDialogue(ctx, time.Since(start))
	if err != nil {
		slog.Warn("dialogue: reply failed", "err", err)
		return fmt.Errorf("dialogue: generate reply: %w", err)
	}
	return nil
}

// generate streams one reply. On failure the partial assistant message is
// discarded and the error is published in the final snapshot.
func (c *Chat) generate(ctx context.Context, history []llm.Message) (err error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.reply",
		trace.WithAttributes(attribute.Int("history.messages", len(history))))
	defer func() { observe.Finish(span, err) }()

	req := llm.CompletionRequest{
		Messages:     c.trim(history),
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}

	ch, err := c.llm.StreamCompletion(ctx, req)
	if err != nil {
		c.finish("", err)
		return err
	}

	replyID := ""
	var sb strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" || chunk.Err != nil {
			err := chunk.Err
			if err == nil {
				err = errStreamFailed
			}
			c.finish(replyID, err)
			return err
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		replyID = c.upsertReply(replyID, sb.String())
	}
	if err := ctx.Err(); err != nil {
		c.finish(replyID, err)
		return err
	}
	if replyID == "" {
		// Empty reply: still publish an assistant message so consumers see
		// the turn end.
		c.upsertReply("", "")
	}
	c.finish("", nil)
	return nil
}

// upsertReply creates the reply message on first call and rewrites its
// content afterwards. Returns the reply's ID.
func (c *Chat) upsertReply(id, content string) string {
	c.mu.Lock()
	if id == "" {
		m := c.newMessage(RoleAssistant, content)
		c.messages = append(c.messages, m)
		id = m.ID
	} else if i := c.indexLocked(id); i >= 0 {
		c.messages[i].Content = content
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return id
}

// finish ends generation. When err is non-nil the partial reply identified by
// dropID is removed.
func (c *Chat) finish(dropID string, err error) {
	c.mu.Lock()
	if err != nil && dropID != "" {
		if i := c.indexLocked(dropID); i >= 0 {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
		}
	}
	c.loading = false
	c.lastErr = err
	c.cancel = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// trim drops the oldest messages until the history fits the token budget.
// The most recent message is always kept.
func (c *Chat) trim(history []llm.Message) []llm.Message {
	budget := c.maxHistoryTokens
	if budget <= 0 {
		caps := c.llm.Capabilities()
		if caps.ContextWindow <= 0 {
			return history
		}
		budget = caps.ContextWindow - caps.MaxOutputTokens
		if c.maxTokens > 0 {
			budget = caps.ContextWindow - c.maxTokens
		}
	}
	if c.systemPrompt != "" {
		budget -= llm.EstimateTokens([]llm.Message{{Role: llm.RoleSystem, Content: c.systemPrompt}})
	}

	for len(history) > 1 {
		n, err := c.llm.CountTokens(history)
		if err != nil {
			n = llm.EstimateTokens(history)
		}
		if n <= budget {
			break
		}
		history = history[1:]
	}
	return history
}

// Messages implements [Engine].
func (c *Chat) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// IsLoading implements [Engine].
func (c *Chat) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the failure of the most recent generation, if any.
func (c *Chat) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the current state.
func (c *Chat) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe implements [Engine].
func (c *Chat) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Close cancels any reply in progress and drops all subscribers. Further
// calls to Append return [ErrClosed]. Close is idempotent.
func (c *Chat) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	clear(c.subs)
	return nil
}

func (c *Chat) newMessage(role Role, content string) Message {
	return Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
		Created: c.now(),
	}
}

// toLLM converts the history. Must be called with c.mu held.
func (c *Chat) toLLM() []llm.Message {
	out := make([]llm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// indexLocked returns the position of message id or -1.
func (c *Chat) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Chat) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:  append([]Message(nil), c.messages...),
		IsLoading: c.loading,
		Err:       c.lastErr,
	}
}

// notify delivers snap to every subscriber. Must be called without c.mu held.
func (c *Chat) notify(snap Snapshot) {
	c.mu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
