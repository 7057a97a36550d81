package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/ashureev/middleman/internal/domain"
)

func msg(agentID, text string) domain.Event {
	return domain.NewConversationMessage(agentID, "user", domain.SourceUserInput, text, nil, nil, time.Now())
}

func TestAppendReplayOrder(t *testing.T) {
	t.Parallel()

	s := New(2000)
	for i := 0; i < 5; i++ {
		s.Append(msg("a", fmt.Sprintf("m%d", i)))
	}

	got := s.Replay("a")
	if len(got) != 5 {
		t.Fatalf("Replay() len = %d, want 5", len(got))
	}
	for i, ev := range got {
		want := fmt.Sprintf("m%d", i)
		if ev.Text != want {
			t.Errorf("Replay()[%d].Text = %q, want %q", i, ev.Text, want)
		}
	}
}

func TestBoundedCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 2000
	s := New(capacity)
	for i := 0; i < capacity+500; i++ {
		s.Append(msg("a", fmt.Sprintf("m%d", i)))
	}

	got := s.Replay("a")
	if len(got) != capacity {
		t.Fatalf("Replay() len = %d, want %d", len(got), capacity)
	}
	// Oldest entries are dropped silently: the first retained entry is
	// the 500th appended.
	if got[0].Text != "m500" {
		t.Errorf("oldest retained = %q, want m500", got[0].Text)
	}
	if got[len(got)-1].Text != fmt.Sprintf("m%d", capacity+499) {
		t.Errorf("newest retained = %q, want m%d", got[len(got)-1].Text, capacity+499)
	}
	if s.Len("a") != capacity {
		t.Errorf("Len() = %d, want %d", s.Len("a"), capacity)
	}
}

func TestPerAgentIsolation(t *testing.T) {
	t.Parallel()

	s := New(2000)
	s.Append(msg("a", "for a"))
	s.Append(msg("b", "for b"))

	if got := s.Replay("a"); len(got) != 1 || got[0].Text != "for a" {
		t.Errorf("Replay(a) = %v", got)
	}
	if got := s.Replay("b"); len(got) != 1 || got[0].Text != "for b" {
		t.Errorf("Replay(b) = %v", got)
	}
	if got := s.Replay("c"); got != nil {
		t.Errorf("Replay(c) = %v, want nil", got)
	}
}

func TestProjections(t *testing.T) {
	t.Parallel()

	s := New(2000)
	now := time.Now()
	s.Append(domain.NewConversationMessage("a", "user", domain.SourceUserInput, "hi", nil, nil, now))
	s.Append(domain.NewAgentMessage("a", "user", "a", domain.SourceUserToAgent, "hi", "auto", "deliver", now))
	s.Append(domain.NewConversationLog("a", domain.LogMessageStart, "", "", "", false, now))
	s.Append(domain.NewAgentToolCall("a", "a", domain.LogToolExecutionStart, "bash", "t1", "", false, now))

	conversation, activity := s.Projections("a")
	if len(conversation) != 2 {
		t.Errorf("conversation len = %d, want 2", len(conversation))
	}
	if len(activity) != 2 {
		t.Errorf("activity len = %d, want 2", len(activity))
	}
	if conversation[0].Type != domain.EventConversationMessage {
		t.Errorf("conversation[0].Type = %v", conversation[0].Type)
	}
	if activity[0].Type != domain.EventAgentMessage {
		t.Errorf("activity[0].Type = %v", activity[0].Type)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := New(2000)
	s.Append(msg("a", "one"))
	s.Reset("a")

	if got := s.Replay("a"); len(got) != 0 {
		t.Errorf("Replay after Reset = %v, want empty", got)
	}
	// Appending after a reset starts a fresh buffer.
	s.Append(msg("a", "two"))
	if got := s.Replay("a"); len(got) != 1 || got[0].Text != "two" {
		t.Errorf("Replay after re-append = %v", got)
	}
}
