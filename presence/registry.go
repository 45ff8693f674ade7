// Package presence tracks which identities are reachable right now and through which session.
package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Handle is a live session the registry can index.
type Handle interface {
	SessionID() string
}

// AttachResult describes the registry state right after an Attach.
type AttachResult[H Handle] struct {
	// Replaced is the handle that previously served the identity, if any.
	Replaced H
	// Superseded is true when Replaced is a different, still-open session.
	Superseded bool
	// Online is the sorted set of identities present after the attach.
	Online []string
}

// Registry maps identity to session handle and back.
//
// Both directions live under one mutex and change together. Methods never block on I/O;
// callers act on the returned snapshot after the lock is released.
type Registry[H Handle] struct {
	mu         sync.Mutex
	byIdentity map[string]H
	bySession  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry[H Handle]() *Registry[H] {
	return &Registry[H]{
		byIdentity: make(map[string]H),
		bySession:  make(map[string]string),
	}
}

// Attach binds identity to handle, last writer wins.
func (r *Registry[H]) Attach(identity string, handle H) AttachResult[H] {
	sessionID := handle.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	// A handle serves one identity at a time.
	if previousIdentity, ok := r.bySession[sessionID]; ok && previousIdentity != identity {
		delete(r.byIdentity, previousIdentity)
		delete(r.bySession, sessionID)
	}

	var result AttachResult[H]
	if existing, ok := r.byIdentity[identity]; ok {
		existingID := existing.SessionID()
		if existingID != sessionID {
			delete(r.bySession, existingID)
			result.Replaced = existing
			result.Superseded = true
		}
	}

	r.byIdentity[identity] = handle
	r.bySession[sessionID] = identity
	result.Online = r.onlineLocked()
	return result
}

// Detach removes handle if it is still the active session of its identity.
// Unknown, stale or superseded handles are a no-op and report ok=false.
func (r *Registry[H]) Detach(handle H) (identity string, online []string, ok bool) {
	sessionID := handle.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok = r.bySession[sessionID]
	if !ok {
		return "", nil, false
	}

	delete(r.bySession, sessionID)
	if current, exists := r.byIdentity[identity]; exists && current.SessionID() == sessionID {
		delete(r.byIdentity, identity)
	}
	return identity, r.onlineLocked(), true
}

// Lookup returns the active handle of identity.
func (r *Registry[H]) Lookup(identity string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.byIdentity[identity]
	return handle, ok
}

// Online returns the sorted identities currently present.
func (r *Registry[H]) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// Handles returns a snapshot of every active handle.
func (r *Registry[H]) Handles() []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Values(r.byIdentity)
}

func (r *Registry[H]) onlineLocked() []string {
	online := lo.Keys(r.byIdentity)
	slices.Sort(online)
	return online
}
