// Package registry maps user ids to their single active transport connection.
package registry

import (
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

// Conn is the transport endpoint of one connected user.
// Owned by the transport; the registry never closes it.
type Conn interface {
	ID() string
	Send(evt models.OutboundEvent) error
}

// Registry holds at most one connection per user. A new connection for the
// same user replaces the previous one.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
	}
}

// Register binds conn to userID and returns the connection it replaced, if any.
func (r *Registry) Register(userID string, conn Conn) (prev Conn, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.conns[userID]
	r.conns[userID] = conn
	log.Info().Str("module", "registry").Str("user", userID).Str("conn", conn.ID()).Bool("replaced", replaced).Msg("registered")
	return prev, replaced
}

// Unregister removes the mapping for userID if present.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
}

// Release removes the mapping only if it still points at conn. It reports
// whether conn was the registered connection.
func (r *Registry) Release(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || cur.ID() != conn.ID() {
		log.Debug().Str("module", "registry").Str("user", userID).Str("conn", conn.ID()).Msg("release of superseded connection")
		return false
	}
	delete(r.conns, userID)
	log.Info().Str("module", "registry").Str("user", userID).Str("conn", conn.ID()).Msg("released")
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Len returns the number of users with an active connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
