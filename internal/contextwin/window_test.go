package contextwin

import (
	"strings"
	"sync"
	"testing"
)

// fixedTokenizer counts words, for predictable token math in tests.
type fixedTokenizer struct{}

func (fixedTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

func newTestWindow(maxTokens int, threshold float64, keepRecent int) *Window {
	return New(Options{
		SystemPrompt:      "",
		MaxTokens:         maxTokens,
		GraphizeThreshold: threshold,
		KeepRecentTokens:  keepRecent,
		Tokenizer:         fixedTokenizer{},
	})
}

// nTokens builds a message body counting exactly n tokens under fixedTokenizer.
func nTokens(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestTokenInvariantHolds(t *testing.T) {
	w := newTestWindow(1000, 0.9, 400)

	total := 0
	for i := 0; i < 10; i++ {
		m := w.AddMessage("user", nTokens(25))
		total += m.TokenCount
	}
	if got := w.CurrentTokens(); got != total {
		t.Fatalf("CurrentTokens = %d, want %d", got, total)
	}

	msgs := w.Messages()
	sum := 0
	for _, m := range msgs {
		sum += m.TokenCount
	}
	if sum != w.CurrentTokens() {
		t.Errorf("sum of message tokens %d != window tokens %d", sum, w.CurrentTokens())
	}
}

func TestHeuristicTokenCount(t *testing.T) {
	w := New(Options{MaxTokens: 1000, GraphizeThreshold: 0.9, KeepRecentTokens: 100})

	// 4 CJK chars -> 2 tokens; 8 latin chars -> 2 tokens.
	m := w.AddMessage("user", "你好世界")
	if m.TokenCount != 2 {
		t.Errorf("CJK token count = %d, want 2", m.TokenCount)
	}
	m = w.AddMessage("user", "abcdefgh")
	if m.TokenCount != 2 {
		t.Errorf("latin token count = %d, want 2", m.TokenCount)
	}
	// Rounding up: 1 latin char is still 1 token.
	m = w.AddMessage("user", "a")
	if m.TokenCount != 1 {
		t.Errorf("single char token count = %d, want 1", m.TokenCount)
	}
}

func TestShouldGraphizeAtThreshold(t *testing.T) {
	w := newTestWindow(1000, 0.9, 400)

	w.AddMessage("user", nTokens(850))
	if w.ShouldGraphize() {
		t.Fatal("ShouldGraphize true at 850/1000 with threshold 0.9")
	}
	w.AddMessage("assistant", nTokens(100))
	if !w.ShouldGraphize() {
		t.Fatal("ShouldGraphize false at 950/1000 with threshold 0.9")
	}
}

func TestGraphizationCycle(t *testing.T) {
	// Mirrors the 950-token scenario: max=1000, threshold=0.9, keep=400.
	w := newTestWindow(1000, 0.9, 400)

	for i := 0; i < 19; i++ {
		w.AddMessage("user", nTokens(50)) // 19 * 50 = 950
	}
	if !w.ShouldGraphize() {
		t.Fatal("ShouldGraphize false at 950 tokens")
	}

	selected := w.SelectForGraphize()
	// From the tail, 8 messages sum to 400; the 11 older ones are selected.
	if len(selected) != 11 {
		t.Fatalf("selected %d messages, want 11", len(selected))
	}

	ids := make([]string, len(selected))
	for i, m := range selected {
		ids[i] = m.ID
	}
	w.MarkGraphized(ids)
	removed := w.RemoveGraphized()
	if removed != 11 {
		t.Errorf("removed %d, want 11", removed)
	}
	if got := w.CurrentTokens(); got > 400 {
		t.Errorf("tokens after removal = %d, want <= 400", got)
	}
	// Invariant still holds.
	sum := 0
	for _, m := range w.Messages() {
		sum += m.TokenCount
	}
	if sum != w.CurrentTokens() {
		t.Errorf("invariant broken after removal: %d vs %d", sum, w.CurrentTokens())
	}
}

func TestSelectForGraphizeKeepsRecentTail(t *testing.T) {
	w := newTestWindow(1000, 0.9, 100)

	first := w.AddMessage("user", nTokens(60))
	w.AddMessage("user", nTokens(60))
	w.AddMessage("user", nTokens(40)) // tail: 40+60 = 100 <= keep

	selected := w.SelectForGraphize()
	if len(selected) != 1 || selected[0].ID != first.ID {
		t.Fatalf("selected %d messages, want only the oldest", len(selected))
	}
}

func TestSelectForGraphizeSkipsAlreadyGraphized(t *testing.T) {
	w := newTestWindow(1000, 0.9, 10)

	a := w.AddMessage("user", nTokens(50))
	b := w.AddMessage("user", nTokens(50))
	w.AddMessage("user", nTokens(5))

	w.MarkGraphized([]string{a.ID})
	selected := w.SelectForGraphize()
	if len(selected) != 1 || selected[0].ID != b.ID {
		t.Fatalf("selected = %d messages, want only the non-graphized older one", len(selected))
	}
}

func TestSystemPromptCountsTowardBudget(t *testing.T) {
	w := New(Options{
		SystemPrompt:      nTokens(200),
		MaxTokens:         1000,
		GraphizeThreshold: 0.9,
		KeepRecentTokens:  400,
		Tokenizer:         fixedTokenizer{},
	})
	if got := w.CurrentTokens(); got != 200 {
		t.Fatalf("CurrentTokens with system prompt = %d, want 200", got)
	}
	w.AddMessage("user", nTokens(700))
	if !w.ShouldGraphize() {
		t.Error("ShouldGraphize false at (200+700)/1000 with threshold 0.9")
	}
}

func TestConcurrentAddMessage(t *testing.T) {
	w := newTestWindow(100000, 0.99, 400)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.AddMessage("user", nTokens(3))
			}
		}()
	}
	wg.Wait()

	if got := w.MessageCount(); got != 1000 {
		t.Fatalf("MessageCount = %d, want 1000", got)
	}
	if got := w.CurrentTokens(); got != 3000 {
		t.Fatalf("CurrentTokens = %d, want 3000", got)
	}
}
