// Package contextwin implements the bounded per-NPC working-memory window.
// Messages accumulate until the token budget nears its ceiling, at which
// point the older span is handed off for graphization and dropped.
package contextwin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fableforge/internal/logging"
)

// Message is one entry of a context window.
type Message struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	TokenCount  int       `json:"token_count"`
	IsGraphized bool      `json:"is_graphized"`
	GraphizedAt time.Time `json:"graphized_at,omitempty"`
}

// Tokenizer counts tokens for a piece of text. When none is provided the
// window falls back to a character heuristic.
type Tokenizer interface {
	CountTokens(text string) int
}

// Options configures a window.
type Options struct {
	SystemPrompt      string
	MaxTokens         int
	GraphizeThreshold float64 // in (0,1]
	KeepRecentTokens  int
	Tokenizer         Tokenizer // optional
}

// Window is a mutex-serialized message log with token accounting.
// Invariant: currentTokens == systemPromptTokens + sum of message tokens.
type Window struct {
	mu sync.Mutex

	systemPrompt       string
	systemPromptTokens int
	maxTokens          int
	graphizeThreshold  float64
	keepRecentTokens   int
	tokenizer          Tokenizer

	messages      []Message
	currentTokens int
}

// New creates a window.
func New(opts Options) *Window {
	w := &Window{
		systemPrompt:      opts.SystemPrompt,
		maxTokens:         opts.MaxTokens,
		graphizeThreshold: opts.GraphizeThreshold,
		keepRecentTokens:  opts.KeepRecentTokens,
		tokenizer:         opts.Tokenizer,
	}
	w.systemPromptTokens = w.countTokens(opts.SystemPrompt)
	w.currentTokens = w.systemPromptTokens
	return w
}

// AddMessage appends a message and returns it with its token count filled in.
func (w *Window) AddMessage(role, content string) Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	msg := Message{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		Timestamp:  time.Now(),
		TokenCount: w.countTokens(content),
	}
	w.messages = append(w.messages, msg)
	w.currentTokens += msg.TokenCount

	logging.ContextDebug("AddMessage: role=%s tokens=%d window=%d/%d",
		role, msg.TokenCount, w.currentTokens, w.maxTokens)
	return msg
}

// CurrentTokens returns the window's total token count including the
// system prompt.
func (w *Window) CurrentTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens
}

// MessageCount returns the number of messages currently held.
func (w *Window) MessageCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

// Messages returns a copy of the current message list.
func (w *Window) Messages() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// ShouldGraphize reports whether the window has crossed its threshold.
func (w *Window) ShouldGraphize() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxTokens <= 0 {
		return false
	}
	return float64(w.currentTokens)/float64(w.maxTokens) >= w.graphizeThreshold
}

// SelectForGraphize returns the older, non-graphized messages that should be
// encoded into the graph. Walking from the newest backward, messages are
// retained while their cumulative token sum stays within keepRecentTokens;
// everything older is a graphization candidate.
func (w *Window) SelectForGraphize() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	keepFrom := len(w.messages)
	sum := 0
	for i := len(w.messages) - 1; i >= 0; i-- {
		sum += w.messages[i].TokenCount
		if sum > w.keepRecentTokens {
			break
		}
		keepFrom = i
	}

	var selected []Message
	for _, m := range w.messages[:keepFrom] {
		if !m.IsGraphized {
			selected = append(selected, m)
		}
	}
	logging.ContextDebug("SelectForGraphize: %d candidates, keeping %d recent messages",
		len(selected), len(w.messages)-keepFrom)
	return selected
}

// SelectAll returns every non-graphized message; used when an instance is
// evicted and its whole residue must be encoded.
func (w *Window) SelectAll() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Message
	for _, m := range w.messages {
		if !m.IsGraphized {
			out = append(out, m)
		}
	}
	return out
}

// MarkGraphized flags the given message ids as encoded into the graph.
func (w *Window) MarkGraphized(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	now := time.Now()
	marked := 0
	for i := range w.messages {
		if idSet[w.messages[i].ID] && !w.messages[i].IsGraphized {
			w.messages[i].IsGraphized = true
			w.messages[i].GraphizedAt = now
			marked++
		}
	}
	logging.ContextDebug("MarkGraphized: %d/%d messages flagged", marked, len(ids))
}

// RemoveGraphized drops flagged messages and releases their tokens.
// Returns the number of messages removed.
func (w *Window) RemoveGraphized() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.messages[:0]
	removed := 0
	freed := 0
	for _, m := range w.messages {
		if m.IsGraphized {
			removed++
			freed += m.TokenCount
			continue
		}
		kept = append(kept, m)
	}
	w.messages = kept
	w.currentTokens -= freed

	logging.Context("RemoveGraphized: dropped %d messages, freed %d tokens (window now %d/%d)",
		removed, freed, w.currentTokens, w.maxTokens)
	return removed
}

// SystemPrompt returns the window's system prompt.
func (w *Window) SystemPrompt() string {
	return w.systemPrompt
}

// countTokens approximates a token count. With a tokenizer, defer to it;
// otherwise CJK characters count as half a token each and everything else
// as a quarter, rounded up.
func (w *Window) countTokens(text string) int {
	if text == "" {
		return 0
	}
	if w.tokenizer != nil {
		return w.tokenizer.CountTokens(text)
	}
	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	// ceil(cjk/2) + ceil(other/4)
	return (cjk+1)/2 + (other+3)/4
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // Extension A
		(r >= 0xF900 && r <= 0xFAFF) || // Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) // CJK punctuation
}
