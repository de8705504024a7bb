package domain

import (
	"fmt"
	"testing"
)

func TestNewThreadFallsBackToDefaultInstructions(t *testing.T) {
	t.Parallel()

	th := NewThread("t1", "a1", "", nil)
	if th.Messages[0].Role != RoleSystem || th.Messages[0].Content != FallbackInstructions {
		t.Fatalf("unexpected system message: %+v", th.Messages[0])
	}
}

func TestThreadCapKeepsSystemAndLatest(t *testing.T) {
	t.Parallel()

	th := NewThread("t1", "a1", "sys", nil)
	for i := 0; i < 15; i++ {
		th.Append(RoleUser, fmt.Sprintf("u%d", i))
		th.Append(RoleAssistant, fmt.Sprintf("a%d", i))
		if len(th.Messages) > MaxThreadMessages {
			t.Fatalf("history exceeded cap: %d", len(th.Messages))
		}
	}

	if len(th.Messages) != ThreadKeepRecent+1 {
		t.Fatalf("expected %d messages, got %d", ThreadKeepRecent+1, len(th.Messages))
	}
	if th.Messages[0].Content != "sys" {
		t.Fatalf("system message must survive pruning, got %+v", th.Messages[0])
	}
	if last := th.Messages[len(th.Messages)-1].Content; last != "a14" {
		t.Fatalf("expected latest message kept, got %q", last)
	}
	if first := th.Messages[1].Content; first != "u5" {
		t.Fatalf("expected oldest kept turn u5, got %q", first)
	}
}

func TestPruneMessagesLeavesShortHistory(t *testing.T) {
	t.Parallel()

	msgs := make([]Message, MaxThreadMessages)
	if got := PruneMessages(msgs); len(got) != MaxThreadMessages {
		t.Fatalf("expected no pruning at the cap, got %d", len(got))
	}
}
