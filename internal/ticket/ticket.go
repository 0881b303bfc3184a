// Package ticket issues short-lived single-use tokens. The broker uses
// them three ways: the double-submit token embedded in tunnel-create URLs,
// the WebSocket handshake tickets bound to one (purpose, tunnel, username,
// user) request, and the one-shot file transfer grants.
package ticket

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Purpose scopes what a ticket may be redeemed for
type Purpose string

const (
	PurposeCreateKey    Purpose = "create-key"
	PurposeNotification Purpose = "notification"
	PurposeTerminal     Purpose = "terminal"
	PurposeFileManager  Purpose = "filemanager"
	PurposeUpload       Purpose = "upload"
	PurposeDownload     Purpose = "download"
)

// Ticket binds an opaque token to the request it authorizes
type Ticket struct {
	ID       string
	Purpose  Purpose
	UserID   string
	TunnelID string
	Username string
	Path     string // transfer grants only
	IssuedAt time.Time
}

type entry struct {
	ticket    Ticket
	expiresAt time.Time
}

// Store holds outstanding tickets in memory. Tickets are single-use:
// Redeem removes the entry whether or not the bindings matched.
type Store struct {
	entries map[string]entry
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewStore creates a ticket store and starts its expiry janitor
func NewStore() *Store {
	s := &Store{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Issue mints an opaque token for t, valid for ttl
func (s *Store) Issue(t Ticket, ttl time.Duration) string {
	t.ID = uuid.New().String()
	t.IssuedAt = time.Now()

	s.mu.Lock()
	s.entries[t.ID] = entry{ticket: t, expiresAt: t.IssuedAt.Add(ttl)}
	s.mu.Unlock()

	return t.ID
}

// Redeem consumes a token. It succeeds only if the token exists, has not
// expired, and was issued for the given purpose; the entry is removed
// either way so a token can never be tried twice.
func (s *Store) Redeem(id string, purpose Purpose) (Ticket, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(e.expiresAt) {
		return Ticket{}, false
	}
	if subtle.ConstantTimeCompare([]byte(e.ticket.Purpose), []byte(purpose)) != 1 {
		return Ticket{}, false
	}
	return e.ticket, true
}

// Peek reports whether a token is currently valid without consuming it
func (s *Store) Peek(id string, purpose Purpose) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	return ok && time.Now().Before(e.expiresAt) && e.ticket.Purpose == purpose
}

// Close stops the janitor
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
