package persist

import (
	"os"
	"testing"
	"time"

	"github.com/ashureev/middleman/internal/domain"
)

func event(agentID, text string) domain.Event {
	return domain.NewConversationMessage(agentID, "user", domain.SourceUserInput, text, nil, nil, time.Now())
}

func TestTranscriptAppendAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr, err := NewTranscripts(dir, nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}

	appender := tr.Appender("agent-1")
	appender.Append(event("agent-1", "one"))
	appender.Append(event("agent-1", "two"))
	tr.Close()

	// A fresh manager over the same directory reads the same events.
	tr2, err := NewTranscripts(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer tr2.Close()

	events, err := tr2.Load("agent-1", 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Load() len = %d, want 2", len(events))
	}
	if events[0].Text != "one" || events[1].Text != "two" {
		t.Errorf("events = %v", events)
	}
}

func TestTranscriptLoadLimit(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscripts(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}
	defer tr.Close()

	appender := tr.Appender("a")
	for i := 0; i < 10; i++ {
		appender.Append(event("a", "x"))
	}
	appender.w.drain()

	events, err := tr.Load("a", 3)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Load(limit=3) len = %d", len(events))
	}
}

func TestTranscriptLoadMissing(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscripts(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}
	defer tr.Close()

	events, err := tr.Load("never-seen", 0)
	if err != nil {
		t.Fatalf("Load on missing transcript: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want empty", events)
	}
}

func TestTranscriptReset(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscripts(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}
	defer tr.Close()

	appender := tr.Appender("a")
	appender.Append(event("a", "gone"))
	if err := tr.Reset("a"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	events, err := tr.Load("a", 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after reset = %v", events)
	}
}

func TestTranscriptRemove(t *testing.T) {
	t.Parallel()

	tr, err := NewTranscripts(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}
	defer tr.Close()

	appender := tr.Appender("a")
	appender.Append(event("a", "x"))
	appender.w.drain()

	if err := tr.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(tr.Path("a")); !os.IsNotExist(err) {
		t.Errorf("transcript file still present: %v", err)
	}
	// Removing again is fine.
	if err := tr.Remove("a"); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestTranscriptSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr, err := NewTranscripts(dir, nil)
	if err != nil {
		t.Fatalf("NewTranscripts failed: %v", err)
	}
	defer tr.Close()

	appender := tr.Appender("a")
	appender.Append(event("a", "good"))
	appender.w.drain()

	f, err := os.OpenFile(tr.Path("a"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	events, err := tr.Load("a", 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(events) != 1 || events[0].Text != "good" {
		t.Errorf("events = %v", events)
	}
}
