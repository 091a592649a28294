// Package session holds the per-user conversation state used to collect
// multi-step input. One session may be active per user; starting a new one
// replaces the old (last write wins).
package session

import (
	"sync"
	"time"
)

type Flow int

const (
	FlowNone Flow = iota
	FlowCreateDebt
	FlowSubmitPayment
	FlowCancelPayment
)

type State int

const (
	StateNone State = iota
	StateSelectingCounterparty
	StateEnteringAmount
	StateEnteringDescription
	StateAwaitingReceipt
	StateEnteringCancelReason
)

// Data accumulates the answers collected so far.
type Data struct {
	CounterpartyID int64
	Amount         float64
	Description    string
	ReceiptRef     string
	DebtID         int64
	PaymentID      int64
}

type Session struct {
	UserID    int64
	Flow      Flow
	State     State
	Data      Data
	StartedAt time.Time
	UpdatedAt time.Time
}

// Store is an in-memory session map safe for concurrent handlers. Entries
// expire ttl after their last update (ttl <= 0 disables expiry).
type Store struct {
	lock     sync.RWMutex
	ttl      time.Duration
	sessions map[int64]Session
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		sessions: make(map[int64]Session),
	}
}

func (s *Store) Start(userID int64, flow Flow, state State) Session {
	now := time.Now()
	sess := Session{
		UserID:    userID,
		Flow:      flow,
		State:     state,
		StartedAt: now,
		UpdatedAt: now,
	}

	s.lock.Lock()
	s.sessions[userID] = sess
	s.lock.Unlock()

	return sess
}

func (s *Store) Get(userID int64) (Session, bool) {
	s.lock.RLock()
	sess, ok := s.sessions[userID]
	s.lock.RUnlock()

	if !ok {
		return Session{}, false
	}

	if s.expired(sess) {
		s.lock.Lock()
		// Re-check under the write lock, another handler may have replaced it.
		if current, stillThere := s.sessions[userID]; stillThere && s.expired(current) {
			delete(s.sessions, userID)
		}
		s.lock.Unlock()
		return Session{}, false
	}

	return sess, true
}

// Put stores the updated session, refreshing its TTL.
func (s *Store) Put(sess Session) {
	sess.UpdatedAt = time.Now()

	s.lock.Lock()
	s.sessions[sess.UserID] = sess
	s.lock.Unlock()
}

// Pop removes and returns the user's session. Finalizing flows pop before
// invoking the ledger so a redelivered input event finds no session and the
// create runs at most once.
func (s *Store) Pop(userID int64) (Session, bool) {
	s.lock.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.lock.Unlock()

	if !ok || s.expired(sess) {
		return Session{}, false
	}
	return sess, true
}

func (s *Store) Clear(userID int64) {
	s.lock.Lock()
	delete(s.sessions, userID)
	s.lock.Unlock()
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

func (s *Store) expired(sess Session) bool {
	return s.ttl > 0 && time.Since(sess.UpdatedAt) > s.ttl
}
