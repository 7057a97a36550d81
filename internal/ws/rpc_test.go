package ws

import (
	"sync"
	"testing"
	"time"
)

func TestTrackerBeginFinish(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(time.Minute, false, nil)
	defer tracker.Close()

	ctx, finish := tracker.Begin("create_manager", "r1")
	if ctx.Err() != nil {
		t.Fatalf("fresh request context already done: %v", ctx.Err())
	}
	if tracker.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", tracker.Pending())
	}

	if !finish() {
		t.Error("first finish() = false, want true")
	}
	if tracker.Pending() != 0 {
		t.Errorf("Pending() after finish = %d", tracker.Pending())
	}
	// A second completion of the same request is a late response.
	if finish() {
		t.Error("second finish() = true, want false")
	}
}

func TestTrackerTimeout(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(50*time.Millisecond, false, nil)
	defer tracker.Close()

	var mu sync.Mutex
	var timedOut []string
	tracker.OnTimeout = func(reqType, requestID string) {
		mu.Lock()
		timedOut = append(timedOut, reqType+"/"+requestID)
		mu.Unlock()
	}

	ctx, finish := tracker.Begin("pick_directory", "r2")

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(timedOut)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout callback never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	if timedOut[0] != "pick_directory/r2" {
		t.Errorf("timed out = %v", timedOut)
	}
	mu.Unlock()

	if ctx.Err() == nil {
		t.Error("request context not cancelled on timeout")
	}
	// The late completion is dropped.
	if finish() {
		t.Error("finish() after timeout = true, want false")
	}
}

func TestTrackerCompatRejectOldest(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(time.Minute, true, nil)
	defer tracker.Close()

	_, finishOld := tracker.Begin("create_manager", "r1")
	_, finishNew := tracker.Begin("create_manager", "r2")

	reqType, requestID, ok := tracker.RejectByCodePrefix("CREATE_MANAGER_FAILED")
	if !ok {
		t.Fatal("RejectByCodePrefix found nothing")
	}
	if reqType != "create_manager" || requestID != "r1" {
		t.Errorf("rejected %s/%s, want oldest create_manager/r1", reqType, requestID)
	}

	if finishOld() {
		t.Error("rejected request still finishable")
	}
	if !finishNew() {
		t.Error("unrelated request was rejected")
	}
}

func TestTrackerCompatDisabled(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(time.Minute, false, nil)
	defer tracker.Close()

	_, finish := tracker.Begin("create_manager", "r1")
	defer finish()

	if _, _, ok := tracker.RejectByCodePrefix("CREATE_MANAGER_FAILED"); ok {
		t.Error("compat fallback active despite flag off")
	}
}
