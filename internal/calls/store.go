// Package calls holds the in-memory records of in-progress calls.
//
// The store is the only owner of call session state. Every mutation is
// atomic with respect to the others for the same call id, and Remove is the
// single termination path: whichever caller removes a session is the one that
// ends it.
package calls

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound      = errors.New("call not found")
	ErrAlreadyExists = errors.New("call already exists")
	ErrInvalidState  = errors.New("invalid call state")
	ErrSelfCall      = errors.New("caller and callee must differ")
	ErrInvalidCall   = errors.New("invalid call")
)

type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]*models.CallSession
	seq      uint64
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:    clk,
		sessions: make(map[string]*models.CallSession),
	}
}

// Create inserts a new ringing session. Call ids must be fresh: an id that is
// already present yields ErrAlreadyExists.
func (s *Store) Create(callID, caller, callee string, kind models.CallKind) (models.CallSession, error) {
	switch {
	case callID == "" || caller == "" || callee == "":
		return models.CallSession{}, fmt.Errorf("%w: call id, caller and callee are required", ErrInvalidCall)
	case !kind.Valid():
		return models.CallSession{}, fmt.Errorf("%w: unknown call type %q", ErrInvalidCall, kind)
	case caller == callee:
		return models.CallSession{}, ErrSelfCall
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[callID]; exists {
		return models.CallSession{}, ErrAlreadyExists
	}
	s.seq++
	sess := &models.CallSession{
		ID:        callID,
		CallerID:  caller,
		CalleeID:  callee,
		Kind:      kind,
		Status:    models.CallStatusRinging,
		CreatedAt: s.clock.Now(),
		Seq:       s.seq,
	}
	s.sessions[callID] = sess
	log.Info().Str("module", "calls").Str("call", callID).Str("caller", caller).Str("callee", callee).Str("type", string(kind)).Msg("call created")
	return *sess, nil
}

func (s *Store) Get(callID string) (models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return models.CallSession{}, ErrNotFound
	}
	return *sess, nil
}

// TransitionToConnected moves a ringing call to connected. changed is false
// when the call was already connected.
func (s *Store) TransitionToConnected(callID string) (sess models.CallSession, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[callID]
	if !ok {
		return models.CallSession{}, false, ErrNotFound
	}
	switch cur.Status {
	case models.CallStatusConnected:
		return *cur, false, nil
	case models.CallStatusRinging:
		now := s.clock.Now()
		cur.Status = models.CallStatusConnected
		cur.ConnectedAt = &now
		log.Info().Str("module", "calls").Str("call", callID).Msg("call connected")
		return *cur, true, nil
	default:
		return *cur, false, ErrInvalidState
	}
}

// Remove atomically fetches and deletes a session. The returned copy is
// marked ended.
func (s *Store) Remove(callID string) (models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[callID]
	if !ok {
		return models.CallSession{}, ErrNotFound
	}
	return s.removeLocked(cur), nil
}

// RemoveIf removes the session only if it is generation seq and still in
// status. An empty status matches any status. Nothing changes otherwise.
func (s *Store) RemoveIf(callID string, seq uint64, status models.CallStatus) (models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[callID]
	if !ok || cur.Seq != seq {
		return models.CallSession{}, ErrNotFound
	}
	if status != "" && cur.Status != status {
		return *cur, ErrInvalidState
	}
	return s.removeLocked(cur), nil
}

func (s *Store) removeLocked(cur *models.CallSession) models.CallSession {
	delete(s.sessions, cur.ID)
	now := s.clock.Now()
	ended := *cur
	ended.Status = models.CallStatusEnded
	ended.EndedAt = &now
	log.Info().Str("module", "calls").Str("call", cur.ID).Msg("call removed")
	return ended
}

// FindByParticipant returns every session where userID is caller or callee.
func (s *Store) FindByParticipant(userID string) []models.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallSession
	for _, sess := range s.sessions {
		if sess.CallerID == userID || sess.CalleeID == userID {
			out = append(out, *sess)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
