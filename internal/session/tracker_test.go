package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTrackerCloseTunnelClosesAllSessions(t *testing.T) {
	tr := NewTracker()

	var closed int32
	for i := 0; i < 5; i++ {
		tr.Register("tunnel-1", func() { atomic.AddInt32(&closed, 1) })
	}
	tr.Register("tunnel-2", func() { t.Error("Unrelated tunnel session closed") })

	tr.CloseTunnel("tunnel-1")

	if got := atomic.LoadInt32(&closed); got != 5 {
		t.Errorf("Expected 5 teardowns, got %d", got)
	}
	if tr.Count("tunnel-1") != 0 {
		t.Errorf("Expected 0 remaining sessions, got %d", tr.Count("tunnel-1"))
	}
	if tr.Count("tunnel-2") != 1 {
		t.Errorf("Expected tunnel-2 session untouched, got %d", tr.Count("tunnel-2"))
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	tr := NewTracker()

	var closed int32
	h := tr.Register("tunnel-1", func() { atomic.AddInt32(&closed, 1) })

	h.Close()
	h.Close()
	tr.CloseTunnel("tunnel-1")

	if got := atomic.LoadInt32(&closed); got != 1 {
		t.Errorf("Expected exactly 1 teardown, got %d", got)
	}
}

func TestTrackerConcurrentRegisterAndClose(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tr.Register("tunnel-1", func() {})
			h.Close()
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.CloseTunnel("tunnel-1")
		}()
	}
	wg.Wait()

	if tr.Count("tunnel-1") != 0 {
		t.Errorf("Expected 0 sessions after churn, got %d", tr.Count("tunnel-1"))
	}
}

func TestCloseTunnelWithNoSessions(t *testing.T) {
	tr := NewTracker()
	tr.CloseTunnel("missing")
}
