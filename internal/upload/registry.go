package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/bitsd/internal/storage"
	"github.com/lgulliver/bitsd/pkg/types"
)

// Registry is the concurrency-safe index of live upload sessions keyed by
// session id. The mutex guards only the map itself; it is never held across
// file I/O, so sessions contend on nothing but their own per-session locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	spool         *storage.Spool
	fragmentLimit int64
}

// NewRegistry creates an empty registry backed by the given spool store.
func NewRegistry(spool *storage.Spool, fragmentLimit int64) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		spool:         spool,
		fragmentLimit: fragmentLimit,
	}
}

// Create allocates a fresh session id, opens its backing file, and inserts
// the session in Open state. The backing file is opened before the lock is
// taken; if it cannot be opened the session is never inserted.
func (r *Registry) Create(targetPath string) (*Session, error) {
	id := types.NewSessionID()

	backing, err := r.spool.Create(id)
	if err != nil {
		return nil, fmt.Errorf("opening backing store: %w", err)
	}
	session := newSession(id, targetPath, backing, r.spool, r.fragmentLimit)

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	log.Info().Str("session_id", id).Str("target", targetPath).Msg("upload session created")
	return session, nil
}

// Lookup returns the session for an id, if present. It never creates.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Remove drops a session from the index after a terminal transition.
// Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle cancels and removes sessions with no activity for at least ttl,
// reclaiming their backing files. Expiry goes through the normal Cancel path,
// so a racing in-flight request either lands first and is observed or loses
// cleanly and sees the session gone. Returns the number of sessions expired.
func (r *Registry) SweepIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	// Snapshot first: LastActivity takes the per-session lock, which a
	// fragment write holds across disk I/O, and the registry lock must not
	// wait behind that.
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		candidates = append(candidates, session)
	}
	r.mu.RUnlock()

	expired := 0
	for _, session := range candidates {
		if !session.LastActivity().Before(cutoff) {
			continue
		}
		if err := session.Cancel(); err != nil {
			// Lost the race to a commit or cancel already in flight.
			continue
		}
		r.Remove(session.ID)
		expired++
		log.Info().Str("session_id", session.ID).Str("target", session.TargetPath).
			Msg("idle upload session expired")
	}
	return expired
}

// CancelAll cancels every remaining session, used at shutdown so no backing
// files outlive the in-memory registry they belong to.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		remaining = append(remaining, session)
	}
	r.mu.RUnlock()

	for _, session := range remaining {
		if err := session.Cancel(); err == nil {
			log.Info().Str("session_id", session.ID).Msg("open upload session cancelled on shutdown")
		}
		r.Remove(session.ID)
	}
}
