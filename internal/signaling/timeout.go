package signaling

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// DefaultCallTimeout bounds how long a call may ring before it is abandoned.
const DefaultCallTimeout = 60 * time.Second

type timeoutTask struct {
	seq   uint64
	timer *clock.Timer
}

// Supervisor schedules one ringing deadline per call. Tasks refer to calls
// only by (call id, generation); the expire callback must re-check the call's
// state before acting.
type Supervisor struct {
	clock   clock.Clock
	timeout time.Duration
	expire  func(callID string, seq uint64)

	mu      sync.Mutex
	tasks   map[string]timeoutTask
	stopped bool
}

func NewSupervisor(clk clock.Clock, timeout time.Duration, expire func(callID string, seq uint64)) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Supervisor{
		clock:   clk,
		timeout: timeout,
		expire:  expire,
		tasks:   make(map[string]timeoutTask),
	}
}

// Arm schedules the deadline for generation seq of callID, replacing any
// earlier task for the same id.
func (s *Supervisor) Arm(callID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.tasks[callID]; ok {
		prev.timer.Stop()
	}
	s.tasks[callID] = timeoutTask{
		seq:   seq,
		timer: s.clock.AfterFunc(s.timeout, func() { s.fire(callID, seq) }),
	}
	log.Debug().Str("module", "signaling.timeout").Str("call", callID).Uint64("seq", seq).Dur("after", s.timeout).Msg("armed")
}

// Disarm cancels the task for generation seq of callID. Tasks of other
// generations are left alone.
func (s *Supervisor) Disarm(callID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[callID]
	if !ok || t.seq != seq {
		return
	}
	t.timer.Stop()
	delete(s.tasks, callID)
}

// Pending returns the number of armed tasks.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task. Arm is a no-op afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
}

func (s *Supervisor) fire(callID string, seq uint64) {
	s.mu.Lock()
	t, ok := s.tasks[callID]
	if !ok || t.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, callID)
	s.mu.Unlock()

	log.Info().Str("module", "signaling.timeout").Str("call", callID).Uint64("seq", seq).Msg("ringing deadline elapsed")
	s.expire(callID, seq)
}
