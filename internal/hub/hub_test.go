package hub

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscriber) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return payload
}

func TestPublishRoutesByCurrentAgent(t *testing.T) {
	t.Parallel()

	h := New(10, nil)
	sub := h.Subscribe("s1")
	h.Reset("s1", "a", []byte(`{"type":"conversation_history"}`))

	if got := receive(t, sub); !strings.Contains(string(got), "conversation_history") {
		t.Fatalf("first payload = %s, want history", got)
	}

	h.Publish("a", []byte(`{"n":1}`))
	h.Publish("b", []byte(`{"n":2}`)) // other thread, must not arrive
	h.Publish("a", []byte(`{"n":3}`))

	if got := string(receive(t, sub)); got != `{"n":1}` {
		t.Errorf("payload = %s, want {\"n\":1}", got)
	}
	if got := string(receive(t, sub)); got != `{"n":3}` {
		t.Errorf("payload = %s, want {\"n\":3}", got)
	}
}

func TestSwitchDiscardsBacklog(t *testing.T) {
	t.Parallel()

	h := New(10, nil)
	h.Subscribe("s1")
	h.Reset("s1", "a", []byte(`{"h":"a"}`))

	// Backlog from the old thread that the client never read.
	h.Publish("a", []byte(`{"old":1}`))
	h.Publish("a", []byte(`{"old":2}`))

	h.SwitchTo("s1", "b", []byte(`{"h":"b"}`))
	h.Publish("b", []byte(`{"new":1}`))

	sub := h.subs["s1"]
	if got := string(receive(t, sub)); got != `{"h":"b"}` {
		t.Fatalf("first payload after switch = %s, want fresh history", got)
	}
	if got := string(receive(t, sub)); got != `{"new":1}` {
		t.Errorf("second payload after switch = %s, want new-thread delta", got)
	}
}

func TestOverflowDropsOldestAndThrottles(t *testing.T) {
	t.Parallel()

	h := New(4, nil)
	sub := h.Subscribe("s1")
	h.Reset("s1", "a", []byte(`{"type":"conversation_history"}`))

	for i := 0; i < 100; i++ {
		h.Publish("a", []byte(`{"n":`+strconv.Itoa(i)+`}`))
	}

	var sawThrottle, sawHistory bool
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		payload, err := sub.Receive(ctx)
		cancel()
		if err != nil {
			break
		}
		s := string(payload)
		if strings.Contains(s, "throttled") {
			sawThrottle = true
		}
		if strings.Contains(s, "conversation_history") {
			sawHistory = true
		}
	}

	if !sawThrottle {
		t.Error("expected at least one synthetic throttle message")
	}
	if !sawHistory {
		t.Error("history payload must never be dropped")
	}
}

func TestSameOrderForAllSubscribers(t *testing.T) {
	t.Parallel()

	h := New(100, nil)
	sub1 := h.Subscribe("s1")
	sub2 := h.Subscribe("s2")
	h.Reset("s1", "a", []byte(`{"h":1}`))
	h.Reset("s2", "a", []byte(`{"h":1}`))
	receive(t, sub1)
	receive(t, sub2)

	for i := 0; i < 20; i++ {
		h.Publish("a", []byte(`{"n":`+strconv.Itoa(i)+`}`))
	}

	for i := 0; i < 20; i++ {
		var v1, v2 struct{ N int }
		if err := json.Unmarshal(receive(t, sub1), &v1); err != nil {
			t.Fatalf("unmarshal sub1: %v", err)
		}
		if err := json.Unmarshal(receive(t, sub2), &v2); err != nil {
			t.Fatalf("unmarshal sub2: %v", err)
		}
		if v1.N != i || v2.N != i {
			t.Fatalf("order diverged at %d: sub1=%d sub2=%d", i, v1.N, v2.N)
		}
	}
}

func TestUnsubscribeClosesReceive(t *testing.T) {
	t.Parallel()

	h := New(10, nil)
	sub := h.Subscribe("s1")
	h.Unsubscribe("s1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Receive(ctx); err != ErrClosed {
		t.Errorf("Receive after Unsubscribe = %v, want ErrClosed", err)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestSendTo(t *testing.T) {
	t.Parallel()

	h := New(10, nil)
	sub1 := h.Subscribe("s1")
	sub2 := h.Subscribe("s2")

	h.SendTo("s1", []byte(`{"rpc":1}`))

	if got := string(receive(t, sub1)); got != `{"rpc":1}` {
		t.Errorf("sub1 payload = %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := sub2.Receive(ctx); err == nil {
		t.Error("sub2 received a payload addressed to sub1")
	}
}
