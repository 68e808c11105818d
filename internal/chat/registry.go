package chat

import (
	"sync"
	"time"
)

// Registry is the directory of connected clients. Every method holds the lock
// for exactly one lookup or mutation and never performs I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	clients []Client
	now     func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Add appends a copy of the record without checking nickname uniqueness.
// Use Claim when the nickname must be unique.
func (r *Registry) Add(c Client) {
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
}

// Claim adds the record only if no registered client already uses its
// nickname. The check and the insert happen under one lock.
func (r *Registry) Claim(c Client) bool {
	if c.Nickname == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexByNickname(c.Nickname) >= 0 {
		return false
	}
	r.clients = append(r.clients, c)
	return true
}

// Rename moves the client at addr to nick if nick is free. It returns the
// previous nickname and false when addr is unknown or nick is taken.
func (r *Registry) Rename(addr, nick string) (string, bool) {
	if nick == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexByAddress(addr)
	if i < 0 || r.indexByNickname(nick) >= 0 {
		return "", false
	}
	old := r.clients[i].Nickname
	r.clients[i].Nickname = nick
	return old, true
}

// RemoveByAddress drops every record registered under addr.
func (r *Registry) RemoveByAddress(addr string) {
	r.mu.Lock()
	r.clients = r.filter(func(c Client) bool { return c.Address != addr })
	r.mu.Unlock()
}

// RemoveByNickname drops every record using nick.
func (r *Registry) RemoveByNickname(nick string) {
	r.mu.Lock()
	r.clients = r.filter(func(c Client) bool { return c.Nickname != nick })
	r.mu.Unlock()
}

// Lookup returns a copy of the record registered under nick.
func (r *Registry) Lookup(nick string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByNickname(nick); i >= 0 {
		return r.clients[i], true
	}
	return Client{}, false
}

// ContainsAddress reports whether a record with addr is registered.
func (r *Registry) ContainsAddress(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexByAddress(addr) >= 0
}

// ContainsNickname reports whether nick is in use.
func (r *Registry) ContainsNickname(nick string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexByNickname(nick) >= 0
}

// Nicknames returns a snapshot of registered nicknames in insertion order.
func (r *Registry) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	nicks := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		nicks = append(nicks, c.Nickname)
	}
	return nicks
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Touch records chat activity for the client at addr.
func (r *Registry) Touch(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByAddress(addr); i >= 0 {
		r.clients[i].LastActive = r.now()
	}
}

func (r *Registry) indexByAddress(addr string) int {
	for i := range r.clients {
		if r.clients[i].Address == addr {
			return i
		}
	}
	return -1
}

func (r *Registry) indexByNickname(nick string) int {
	for i := range r.clients {
		if r.clients[i].Nickname == nick {
			return i
		}
	}
	return -1
}

func (r *Registry) filter(keep func(Client) bool) []Client {
	kept := r.clients[:0]
	for _, c := range r.clients {
		if keep(c) {
			kept = append(kept, c)
		}
	}
	clear(r.clients[len(kept):])
	return kept
}
