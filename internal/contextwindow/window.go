package contextwindow

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
)

// Role is the speaker of a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Entry is one conversation history item.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Tool and IsError describe tool-result entries.
	Tool    string `json:"tool,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	// Compacted is set on placeholder markers: how many entries they replace.
	Compacted int `json:"compacted,omitempty"`
}

// Strategy is what Fit had to do.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategySummarized Strategy = "summarized"
	StrategyTruncated  Strategy = "truncated"
)

const (
	charsPerToken    = 3.5
	messageOverhead  = 4
	defaultHead      = 2
	defaultTail      = 10
	defaultLargeSize = 800
)

// Config tunes the manager; zero values take the defaults.
type Config struct {
	Head int // entries kept verbatim at the start
	Tail int // entries kept verbatim at the end
	// LargeResult is the content length above which a tool result is summarized.
	LargeResult int
}

// Result is a fitted history.
type Result struct {
	Entries  []Entry  `json:"entries"`
	Tokens   int      `json:"tokens"`
	Strategy Strategy `json:"strategy"`
	Dropped  int      `json:"dropped"`
}

// Manager bounds conversation history to a token budget. It is stateless
// and deterministic.
type Manager struct {
	head, tail, large int
}

func New(cfg Config) *Manager {
	m := &Manager{head: cfg.Head, tail: cfg.Tail, large: cfg.LargeResult}
	if m.head <= 0 {
		m.head = defaultHead
	}
	if m.tail <= 0 {
		m.tail = defaultTail
	}
	if m.large <= 0 {
		m.large = defaultLargeSize
	}
	return m
}

// EstimateEntry is ~1 token per 3.5 characters plus a fixed overhead.
func EstimateEntry(e Entry) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(e.Content))/charsPerToken)) + messageOverhead
}

// Estimate sums EstimateEntry over history.
func Estimate(history []Entry) int {
	n := 0
	for _, e := range history {
		n += EstimateEntry(e)
	}
	return n
}

// Fit returns history bounded to budget. A history that fits, or that is no
// longer than head+tail, passes through unchanged. Otherwise the head and
// tail are kept verbatim; the middle first has large tool results replaced
// by summaries, and if that is not enough it is replaced by one marker.
// The input slice is never modified.
func (m *Manager) Fit(history []Entry, budget int) Result {
	total := Estimate(history)
	if total <= budget || len(history) <= m.head+m.tail {
		return Result{Entries: history, Tokens: total, Strategy: StrategyNone}
	}

	head := history[:m.head]
	middle := history[m.head : len(history)-m.tail]
	tail := history[len(history)-m.tail:]

	summarized := make([]Entry, len(middle))
	for i, e := range middle {
		summarized[i] = m.summarize(e)
	}
	out := join(head, summarized, tail)
	if tokens := Estimate(out); tokens <= budget {
		metrics.ContextCompactions.WithLabelValues(string(StrategySummarized)).Inc()
		return Result{Entries: out, Tokens: tokens, Strategy: StrategySummarized}
	}

	dropped := 0
	for _, e := range middle {
		if e.Compacted > 0 {
			dropped += e.Compacted
		} else {
			dropped++
		}
	}
	out = join(head, []Entry{Marker(dropped)}, tail)
	metrics.ContextCompactions.WithLabelValues(string(StrategyTruncated)).Inc()
	return Result{Entries: out, Tokens: Estimate(out), Strategy: StrategyTruncated, Dropped: dropped}
}

// Marker is the placeholder that replaces n compacted entries.
func Marker(n int) Entry {
	return Entry{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("[history compacted: %d earlier messages omitted]", n),
		Compacted: n,
	}
}

func (m *Manager) summarize(e Entry) Entry {
	if e.Role != RoleTool || utf8.RuneCountInString(e.Content) <= m.large {
		return e
	}
	outcome := "succeeded"
	if e.IsError {
		outcome = "failed"
	}
	name := e.Tool
	if name == "" {
		name = "tool"
	}
	e.Content = fmt.Sprintf("[%s %s; result omitted (%d chars)]", name, outcome, utf8.RuneCountInString(e.Content))
	return e
}

func join(parts ...[]Entry) []Entry {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]Entry, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
