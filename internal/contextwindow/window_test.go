package contextwindow

import (
	"fmt"
	"strings"
	"testing"
)

func conversation(n int, toolPayload int) []Entry {
	out := make([]Entry, 0, n)
	out = append(out, Entry{Role: RoleSystem, Content: "You manage rentals for the owner."})
	for i := 1; i < n; i++ {
		switch i % 3 {
		case 0:
			out = append(out, Entry{Role: RoleTool, Tool: "get_rent_roll", Content: strings.Repeat("x", toolPayload)})
		case 1:
			out = append(out, Entry{Role: RoleUser, Content: fmt.Sprintf("message %d", i)})
		default:
			out = append(out, Entry{Role: RoleAssistant, Content: fmt.Sprintf("reply %d", i)})
		}
	}
	return out
}

func TestEstimateEntry(t *testing.T) {
	if got := EstimateEntry(Entry{Content: ""}); got != 4 {
		t.Fatalf("expected overhead only, got %d", got)
	}
	if got := EstimateEntry(Entry{Content: strings.Repeat("a", 7)}); got != 6 {
		t.Fatalf("expected 2+4, got %d", got)
	}
	if got := EstimateEntry(Entry{Content: strings.Repeat("a", 8)}); got != 7 {
		t.Fatalf("expected ceil(8/3.5)+4 = 7, got %d", got)
	}
}

func TestFit_PassThroughWhenUnderBudget(t *testing.T) {
	h := conversation(30, 10)
	res := New(Config{}).Fit(h, 100000)
	if res.Strategy != StrategyNone {
		t.Fatalf("expected none, got %s", res.Strategy)
	}
	if len(res.Entries) != 30 {
		t.Fatalf("expected 30 entries, got %d", len(res.Entries))
	}
}

func TestFit_ShortHistoryNeverCompacted(t *testing.T) {
	h := conversation(12, 5000)
	res := New(Config{}).Fit(h, 10)
	if res.Strategy != StrategyNone || len(res.Entries) != 12 {
		t.Fatalf("expected untouched history, got %s with %d entries", res.Strategy, len(res.Entries))
	}
}

func TestFit_SummarizesLargeToolResults(t *testing.T) {
	h := conversation(30, 10)
	for i := 2; i < 20; i++ {
		if h[i].Role == RoleTool {
			h[i].Content = strings.Repeat("x", 4000)
		}
	}
	res := New(Config{}).Fit(h, 2000)
	if res.Strategy != StrategySummarized {
		t.Fatalf("expected summarized, got %s (tokens %d)", res.Strategy, res.Tokens)
	}
	if len(res.Entries) != 30 {
		t.Fatalf("summarizing must keep every entry, got %d", len(res.Entries))
	}
	if res.Tokens > 2000 {
		t.Fatalf("over budget: %d", res.Tokens)
	}
	mid := res.Entries[3]
	if !strings.Contains(mid.Content, "get_rent_roll succeeded") {
		t.Fatalf("expected summary, got %q", mid.Content)
	}
	if h[3].Content == mid.Content {
		t.Fatal("input history must not be modified")
	}
	assertHeadTail(t, h, res.Entries)
}

func TestFit_TruncatesMiddle(t *testing.T) {
	h := conversation(60, 20)
	res := New(Config{}).Fit(h, 150)
	if res.Strategy != StrategyTruncated {
		t.Fatalf("expected truncated, got %s", res.Strategy)
	}
	if len(res.Entries) != 13 {
		t.Fatalf("expected 2 + marker + 10, got %d", len(res.Entries))
	}
	if res.Dropped != 48 || res.Entries[2].Compacted != 48 {
		t.Fatalf("expected 48 dropped, got %d / %d", res.Dropped, res.Entries[2].Compacted)
	}
	assertHeadTail(t, h, res.Entries)
}

func TestFit_RecompactingNeverExpands(t *testing.T) {
	m := New(Config{})
	first := m.Fit(conversation(60, 20), 100)

	grown := append(append([]Entry{}, first.Entries...), Entry{Role: RoleUser, Content: "one more"})
	second := m.Fit(grown, 100)
	if second.Strategy != StrategyTruncated {
		t.Fatalf("expected truncated, got %s", second.Strategy)
	}
	if len(second.Entries) != 13 {
		t.Fatalf("expected 13 entries, got %d", len(second.Entries))
	}
	if second.Dropped != 49 {
		t.Fatalf("expected marker to carry 48+1, got %d", second.Dropped)
	}

	again := m.Fit(second.Entries, 100)
	if again.Tokens > second.Tokens || len(again.Entries) != len(second.Entries) {
		t.Fatalf("compaction of compacted history expanded it: %d -> %d", second.Tokens, again.Tokens)
	}
	assertHeadTail(t, grown, second.Entries)
}

func assertHeadTail(t *testing.T, in, out []Entry) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if in[i] != out[i] {
			t.Fatalf("head entry %d changed", i)
		}
	}
	for i := 1; i <= 10; i++ {
		if in[len(in)-i] != out[len(out)-i] {
			t.Fatalf("tail entry -%d changed", i)
		}
	}
}
