// Package session tracks active phone calls keyed by the telephony
// provider's call identifier.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	// ErrCapacity is returned when the store is full and no inactive
	// session can be shed.
	ErrCapacity = errors.New("session capacity exhausted")
)

// Store is a bounded concurrent map of call sessions. Capacity is a soft
// ceiling: when full, the least recently active session is shed before a
// new one is admitted.
type Store struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	capacity          int
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewStore(capacity int, inactivityTimeout time.Duration) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Store{
		sessions:          make(map[string]*Session),
		capacity:          capacity,
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook installs a callback invoked for each session removed by
// the sweeper or shed for capacity.
func (st *Store) SetExpireHook(hook func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onExpire = hook
}

// Create registers a new session. Returns ErrExists when the call id is
// already tracked (the telephony provider may retransmit the first
// webhook).
func (st *Store) Create(s *Session) (*Session, error) {
	if s == nil || s.CallID == "" {
		return nil, errors.New("call id is required")
	}
	now := time.Now().UTC()
	s.Status = StatusActive
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.LastActivityAt = now

	var shed *Session
	st.mu.Lock()
	if _, ok := st.sessions[s.CallID]; ok {
		st.mu.Unlock()
		return nil, ErrExists
	}
	if len(st.sessions) >= st.capacity {
		shed = st.shedOldestLocked()
		if shed == nil {
			st.mu.Unlock()
			return nil, ErrCapacity
		}
	}
	st.sessions[s.CallID] = s
	out := cloneSession(s)
	hook := st.onExpire
	st.mu.Unlock()

	if shed != nil && hook != nil {
		hook(shed)
	}
	return out, nil
}

func (st *Store) shedOldestLocked() *Session {
	var oldest *Session
	for _, s := range st.sessions {
		if oldest == nil || s.LastActivityAt.Before(oldest.LastActivityAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil
	}
	delete(st.sessions, oldest.CallID)
	oldest.Status = StatusEnded
	return cloneSession(oldest)
}

func (st *Store) Get(callID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (st *Store) Touch(callID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetState records the current state machine node for the admin view.
func (st *Store) SetState(callID, state string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetProviders records which speech providers last served the call.
// Empty values leave the existing entry untouched.
func (st *Store) SetProviders(callID, asr, tts string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if asr != "" {
		s.Providers.ASR = asr
	}
	if tts != "" {
		s.Providers.TTS = tts
	}
	return nil
}

// AppendTurn adds one conversation turn, keeping at most the last
// maxTurns entries. When openEnded is set, the open-ended turn counter is
// advanced; the returned count lets the orchestrator enforce its cap.
func (st *Store) AppendTurn(callID string, turn Turn, openEnded bool) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return 0, ErrNotFound
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.Turns = append(s.Turns, turn)
	if len(s.Turns) > maxTurns {
		s.Turns = s.Turns[len(s.Turns)-maxTurns:]
	}
	if openEnded {
		s.OpenEndedTurns++
	}
	s.LastActivityAt = time.Now().UTC()
	return s.OpenEndedTurns, nil
}

// AdvanceSeq reports whether the given webhook sequence number is newer
// than anything processed for this call, and records it if so. A zero seq
// (provider sent none) always passes.
func (st *Store) AdvanceSeq(callID string, seq int64) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return false, ErrNotFound
	}
	if seq == 0 {
		return true, nil
	}
	if seq <= s.lastSeq {
		return false, nil
	}
	s.lastSeq = seq
	return true, nil
}

// End marks the session terminal with its outcome and removes it from the
// active map.
func (st *Store) End(callID, outcome string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(st.sessions, callID)
	s.Status = StatusEnded
	s.Outcome = outcome
	s.LastActivityAt = time.Now().UTC()
	return cloneSession(s), nil
}

// StartSweeper evicts sessions whose last activity exceeds the
// inactivity timeout.
func (st *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.sweepInactive()
			}
		}
	}()
}

func (st *Store) sweepInactive() {
	now := time.Now().UTC()
	var expired []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		if now.Sub(s.LastActivityAt) < st.inactivityTimeout {
			continue
		}
		delete(st.sessions, id)
		s.Status = StatusEnded
		expired = append(expired, cloneSession(s))
	}
	hook := st.onExpire
	st.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List returns a snapshot of all active sessions for the admin surface.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, cloneSession(s))
	}
	return out
}
