package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestComputeEngagementScore(t *testing.T) {
	it := SourceItem{Score: 10, Comments: 5, UpvoteRatio: 0.9}
	got := it.ComputeEngagementScore()
	if got != 110.0 {
		t.Fatalf("engagement score = %v, want 110", got)
	}
	if it.EngagementScore != got {
		t.Fatalf("score not stored on item")
	}

	// many comments on a mediocre thread can outrank raw score
	busy := SourceItem{Score: 10, Comments: 50, UpvoteRatio: 0.5}
	quiet := SourceItem{Score: 100, Comments: 0, UpvoteRatio: 0.5}
	if busy.ComputeEngagementScore() <= quiet.ComputeEngagementScore() {
		t.Fatalf("comment weight not applied: busy=%v quiet=%v", busy.EngagementScore, quiet.EngagementScore)
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if got := Truncate(short); got != short {
		t.Fatalf("short text changed: %q", got)
	}

	exact := strings.Repeat("a", MaxPostLength)
	if got := Truncate(exact); got != exact {
		t.Fatalf("exact-limit text changed")
	}

	long := strings.Repeat("a", MaxPostLength+1)
	got := Truncate(long)
	if utf8.RuneCountInString(got) != MaxPostLength {
		t.Fatalf("truncated length = %d, want %d", utf8.RuneCountInString(got), MaxPostLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated text missing ellipsis: %q", got[len(got)-10:])
	}
}

func TestTruncateMultibyte(t *testing.T) {
	long := strings.Repeat("é", MaxPostLength+50)
	got := Truncate(long)
	if utf8.RuneCountInString(got) != MaxPostLength {
		t.Fatalf("rune count = %d, want %d", utf8.RuneCountInString(got), MaxPostLength)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
}
