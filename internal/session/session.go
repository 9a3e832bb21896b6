// Package session implements the in-memory authenticated-session
// registry: creation, TOTP verification, activity tracking, expiry
// sweeps, and Host-ID-rotation invalidation.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wingthing-broker/agent/internal/auth"
)

// ErrNotFound and ErrExpired distinguish the two reasons Lookup can
// fail, so callers (the HTTP control surface) can map them to 404 vs
// 410 respectively.
var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

const (
	idAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength    = 8
	initialTTL  = 24 * time.Hour
	idleTimeout = 1 * time.Hour
)

// Session is one authenticated (or pending-authentication) pairing.
type Session struct {
	ID            string
	HostID        string
	TOTPSecret    string
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	Authenticated bool
}

// expired reports whether s is past its absolute expiry or idle timeout,
// as of now.
func (s *Session) expired(now time.Time) bool {
	if now.After(s.ExpiresAt) {
		return true
	}
	return now.Sub(s.LastActivity) > idleTimeout
}

// Store is the mutex-guarded registry of live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	updateCh chan struct{}
}

// NewStore constructs an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		updateCh: make(chan struct{}, 1),
	}
}

// Create allocates a new pending session bound to hostID, with a fresh
// TOTP secret. Returns the session id and secret.
func (st *Store) Create(hostID string) (id string, totpSecret string, err error) {
	totpSecret, err = auth.GenerateTOTPSecret()
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	id, err = st.newUniqueIDLocked()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	st.sessions[id] = &Session{
		ID:           id,
		HostID:       hostID,
		TOTPSecret:   totpSecret,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(initialTTL),
	}
	st.notify()
	return id, totpSecret, nil
}

// Verify checks totpCode against the session's secret; on success the
// session is marked authenticated and touched.
func (st *Store) Verify(id, totpCode string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok || s.expired(time.Now()) {
		return false
	}
	if !auth.VerifyTOTP(s.TOTPSecret, totpCode, time.Now()) {
		return false
	}
	s.Authenticated = true
	s.LastActivity = time.Now()
	return true
}

// Get returns the session by id, or (nil, false) if unknown or expired.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok || s.expired(time.Now()) {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Lookup returns the session by id, distinguishing an unknown id
// (ErrNotFound) from one that exists but has expired (ErrExpired).
func (st *Store) Lookup(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(time.Now()) {
		return nil, ErrExpired
	}
	cp := *s
	return &cp, nil
}

// Authenticated reports whether id names a live, authenticated session.
func (st *Store) Authenticated(id string) bool {
	s, ok := st.Get(id)
	return ok && s.Authenticated
}

// Touch refreshes a session's last-activity timestamp.
func (st *Store) Touch(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// Refresh extends expiresAt by 24h from now. Requires the session to
// already be authenticated.
func (st *Store) Refresh(id string) (time.Time, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.expired(time.Now()) {
		return time.Time{}, fmt.Errorf("session not found")
	}
	if !s.Authenticated {
		return time.Time{}, fmt.Errorf("session not authenticated")
	}
	s.ExpiresAt = time.Now().Add(initialTTL)
	s.LastActivity = time.Now()
	return s.ExpiresAt, nil
}

// Remove deletes a session outright.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
	st.notify()
}

// RemoveAll tears down every session, used on Host-ID rotation, and
// returns the removed session ids so callers (peer registry, supervisor)
// can cascade the teardown.
func (st *Store) RemoveAll() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.sessions = make(map[string]*Session)
	st.notify()
	return ids
}

// Sweep removes expired or idle-timed-out sessions and returns their ids.
func (st *Store) Sweep() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	var removed []string
	for id, s := range st.sessions {
		if s.expired(now) {
			removed = append(removed, id)
			delete(st.sessions, id)
		}
	}
	if len(removed) > 0 {
		st.notify()
	}
	return removed
}

// StartSweeper runs a background sweep every interval until ctx is done,
// invoking onRemoved for the ids removed in each pass.
func (st *Store) StartSweeper(ctx context.Context, interval time.Duration, onRemoved func(ids []string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := st.Sweep(); len(removed) > 0 && onRemoved != nil {
					onRemoved(removed)
				}
			}
		}
	}()
}

// Count returns the number of live sessions, expired or not (a cheap
// point-in-time count for health reporting; Sweep is what actually
// evicts expired entries).
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// UpdateCh returns a channel signalled on every create/remove.
func (st *Store) UpdateCh() <-chan struct{} {
	return st.updateCh
}

func (st *Store) notify() {
	select {
	case st.updateCh <- struct{}{}:
	default:
	}
}

// newUniqueIDLocked generates an 8-character uppercase base36 id,
// rejection-sampling against the current live set. Caller must hold mu.
func (st *Store) newUniqueIDLocked() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		if _, exists := st.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a unique session id")
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random id bytes: %w", err)
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
