package session

import "sync"

// Tracker indexes live sessions by tunnel so a tunnel delete can tear
// down every PTY and file-manager socket bound to it
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]map[*Handle]struct{}
}

// Handle represents one registered session; Close tears the session down
// exactly once
type Handle struct {
	tracker  *Tracker
	tunnelID string
	closeFn  func()
	once     sync.Once
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]map[*Handle]struct{})}
}

// Register records a live session; closeFn runs when the handle closes,
// whether from the session's own teardown or a tunnel delete
func (t *Tracker) Register(tunnelID string, closeFn func()) *Handle {
	h := &Handle{tracker: t, tunnelID: tunnelID, closeFn: closeFn}

	t.mu.Lock()
	set, ok := t.sessions[tunnelID]
	if !ok {
		set = make(map[*Handle]struct{})
		t.sessions[tunnelID] = set
	}
	set[h] = struct{}{}
	t.mu.Unlock()

	return h
}

// Close unregisters the handle and runs its teardown once
func (h *Handle) Close() {
	h.once.Do(func() {
		h.tracker.remove(h)
		if h.closeFn != nil {
			h.closeFn()
		}
	})
}

func (t *Tracker) remove(h *Handle) {
	t.mu.Lock()
	if set, ok := t.sessions[h.tunnelID]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(t.sessions, h.tunnelID)
		}
	}
	t.mu.Unlock()
}

// CloseTunnel closes every live session bound to the tunnel
func (t *Tracker) CloseTunnel(tunnelID string) {
	t.mu.Lock()
	set := t.sessions[tunnelID]
	handles := make([]*Handle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// CloseAll closes every live session across all tunnels, used on broker
// shutdown
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	var handles []*Handle
	for _, set := range t.sessions {
		for h := range set {
			handles = append(handles, h)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// Count returns the number of live sessions for a tunnel
func (t *Tracker) Count(tunnelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[tunnelID])
}
