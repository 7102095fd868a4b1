// Package registry implements the tunnel-matching registry (spec.md §3,
// §4.6, C6): a mapping from (userId, nonce) to the small set of
// authenticated-but-unpaired clients waiting to be matched by token.
//
// Registry itself holds no lock — like the rest of the engine's mutable
// state, it is only ever touched from the single engine executor goroutine
// (spec.md §5).
package registry

import "github.com/nymea-community/remoteproxy/internal/session"

// Registry is the in-memory table of waiting clients described in spec.md
// §3. Each bucket holds at most the handful of distinct-token waiters that
// have shown up for a given (userId, nonce); in the common case that's
// either empty, or a single client waiting for its peer.
type Registry struct {
	waiting map[session.RegistryKey][]*session.Client
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{waiting: make(map[session.RegistryKey][]*session.Client)}
}

// FindMatch returns the waiting client under key whose token equals token
// and which is not self, or nil if none exists (spec.md §4.6 step 3).
func (r *Registry) FindMatch(key session.RegistryKey, token string, self *session.Client) *session.Client {
	for _, c := range r.waiting[key] {
		if c != self && c.Token == token {
			return c
		}
	}
	return nil
}

// Insert adds c to the waiting set for its own (userId, nonce) key
// (spec.md §4.6 step 2). Clients with an empty nonce are never inserted,
// per spec.md §9's "empty nonce never matches".
func (r *Registry) Insert(c *session.Client) {
	key, ok := c.MatchKey()
	if !ok {
		return
	}
	r.waiting[key] = append(r.waiting[key], c)
}

// Remove deletes c from its waiting set, e.g. once it pairs or disconnects
// (spec.md §3, "Entries removed on pairing or disconnection").
func (r *Registry) Remove(c *session.Client) {
	key, ok := c.MatchKey()
	if !ok {
		return
	}
	list := r.waiting[key]
	for i, x := range list {
		if x == c {
			r.waiting[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiting[key]) == 0 {
		delete(r.waiting, key)
	}
}

// Contains reports whether c is currently a waiting entry.
func (r *Registry) Contains(c *session.Client) bool {
	key, ok := c.MatchKey()
	if !ok {
		return false
	}
	for _, x := range r.waiting[key] {
		if x == c {
			return true
		}
	}
	return false
}

// Len returns the total number of waiting clients across all keys.
func (r *Registry) Len() int {
	total := 0
	for _, list := range r.waiting {
		total += len(list)
	}
	return total
}
