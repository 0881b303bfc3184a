package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/telepy/telepy/pkg/types"
)

type fakeProber struct {
	mu     sync.Mutex
	status map[int]bool
	err    error
}

func (p *fakeProber) Probe(ctx context.Context, ports []int) (map[int]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[int]bool, len(ports))
	for _, port := range ports {
		out[port] = p.status[port]
	}
	return out, nil
}

func (p *fakeProber) set(status map[int]bool, err error) {
	p.mu.Lock()
	p.status = status
	p.err = err
	p.mu.Unlock()
}

type fakeLister struct {
	ports []int
}

func (l *fakeLister) ListReversePorts(ctx context.Context) ([]int, error) {
	return l.ports, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (n *recordingNotifier) Broadcast(event types.Event) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) take() []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

func countByAction(events []types.Event, action types.NotificationAction) int {
	n := 0
	for _, e := range events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestParseListeningPorts(t *testing.T) {
	out := `State   Recv-Q  Send-Q  Local Address:Port  Peer Address:Port
LISTEN  0       128     0.0.0.0:2345        0.0.0.0:*     users:(("sshd",pid=17,fd=9))
LISTEN  0       128     [::]:2346           [::]:*        users:(("sshd",pid=17,fd=10))
LISTEN  0       4096    127.0.0.1:22        0.0.0.0:*
ESTAB   0       0       10.0.0.1:443        10.0.0.2:51000`

	ports := ParseListeningPorts(out)
	want := map[int]bool{2345: true, 2346: true, 22: true}
	if len(ports) != len(want) {
		t.Fatalf("Expected %d ports, got %v", len(want), ports)
	}
	for _, p := range ports {
		if !want[p] {
			t.Errorf("Unexpected port %d", p)
		}
	}
}

func TestTickEmitsOneEventPerFlip(t *testing.T) {
	prober := &fakeProber{status: map[int]bool{2345: false, 2346: false}}
	notifier := &recordingNotifier{}
	m := NewMonitor(prober, &fakeLister{ports: []int{2345, 2346}}, notifier, time.Hour, zerolog.Nop())

	// First tick seeds the snapshot; both ports flip from unknown to down
	// only if they were previously recorded as up, so no per-port events.
	m.Tick(context.Background())
	notifier.take()

	prober.set(map[int]bool{2345: true, 2346: false}, nil)
	m.Tick(context.Background())

	events := notifier.take()
	if got := countByAction(events, types.ActionUpdateTunnelStatus); got != 1 {
		t.Errorf("Expected 1 flip event, got %d: %+v", got, events)
	}
	if got := countByAction(events, types.ActionUpdateTunnelStatusData); got != 1 {
		t.Errorf("Expected 1 bulk status event, got %d", got)
	}

	// Same snapshot again: silence
	m.Tick(context.Background())
	if events := notifier.take(); len(events) != 0 {
		t.Errorf("Expected no events for unchanged snapshot, got %+v", events)
	}

	// Port goes down: exactly one flip event
	prober.set(map[int]bool{2345: false, 2346: false}, nil)
	m.Tick(context.Background())
	events = notifier.take()
	if got := countByAction(events, types.ActionUpdateTunnelStatus); got != 1 {
		t.Errorf("Expected 1 disconnect event, got %d: %+v", got, events)
	}
}

func TestTickKeepsSnapshotOnProbeError(t *testing.T) {
	prober := &fakeProber{status: map[int]bool{2345: true}}
	notifier := &recordingNotifier{}
	m := NewMonitor(prober, &fakeLister{ports: []int{2345}}, notifier, time.Hour, zerolog.Nop())

	m.Tick(context.Background())
	notifier.take()

	prober.set(nil, errors.New("gateway unreachable"))
	m.Tick(context.Background())

	if events := notifier.take(); len(events) != 0 {
		t.Errorf("Probe failure must not emit events, got %+v", events)
	}
	if status := m.Status(); !status[2345] {
		t.Error("Probe failure must keep the previous snapshot")
	}
}

func TestStatusReturnsCopy(t *testing.T) {
	prober := &fakeProber{status: map[int]bool{2345: true}}
	m := NewMonitor(prober, &fakeLister{ports: []int{2345}}, &recordingNotifier{}, time.Hour, zerolog.Nop())
	m.Tick(context.Background())

	status := m.Status()
	status[2345] = false
	if fresh := m.Status(); !fresh[2345] {
		t.Error("Mutating the returned map must not affect the snapshot")
	}
}

func TestStartStop(t *testing.T) {
	prober := &fakeProber{status: map[int]bool{}}
	m := NewMonitor(prober, &fakeLister{}, &recordingNotifier{}, 10*time.Millisecond, zerolog.Nop())

	m.Start()
	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
