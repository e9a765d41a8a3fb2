package handlers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/slasso10/chat-multiple/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallEnded    = errors.New("call already ended")
	ErrCallBusy     = errors.New("user is already in a call")
)

const (
	DefaultRingTTL = 45 * time.Second
	DefaultCallTTL = 12 * time.Hour
)

// CallStore is the relay's ledger of calls between users. Every user takes
// part in at most one call.
type CallStore struct {
	mu          sync.Mutex
	calls       map[string]*models.RelayCall
	byUser      map[string]string // userID -> callID
	statusIndex map[models.RelayCallStatus]map[string]struct{}
	ringTTL     time.Duration
	callTTL     time.Duration
}

type CallStoreOption func(*CallStore)

// WithRingTTL bounds how long an unanswered offer occupies both parties.
func WithRingTTL(d time.Duration) CallStoreOption {
	return func(s *CallStore) {
		if d > 0 {
			s.ringTTL = d
		}
	}
}

func WithCallTTL(d time.Duration) CallStoreOption {
	return func(s *CallStore) {
		if d > 0 {
			s.callTTL = d
		}
	}
}

func NewCallStore(opts ...CallStoreOption) *CallStore {
	s := &CallStore{
		calls:  make(map[string]*models.RelayCall),
		byUser: make(map[string]string),
		statusIndex: map[models.RelayCallStatus]map[string]struct{}{
			models.RelayCallRinging: {},
			models.RelayCallActive:  {},
		},
		ringTTL: DefaultRingTTL,
		callTTL: DefaultCallTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offer records callerID ringing calleeID. A repeated offer between the same
// pair refreshes the existing entry. Either party being in another call
// yields ErrCallBusy.
func (s *CallStore) Offer(callerID, calleeID string, now time.Time) (*models.RelayCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if call, ok := s.callForUserLocked(callerID, now); ok {
		if call.Status == models.RelayCallRinging && call.CallerID == callerID && call.CalleeID == calleeID {
			call.UpdatedAt = now
			call.ExpiresAt = now.Add(s.ringTTL)
			snapshot := *call
			return &snapshot, nil
		}
		return nil, ErrCallBusy
	}
	if _, ok := s.callForUserLocked(calleeID, now); ok {
		return nil, ErrCallBusy
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	call := &models.RelayCall{
		ID:        id,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    models.RelayCallRinging,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ringTTL),
	}
	s.calls[id] = call
	s.byUser[callerID] = id
	s.byUser[calleeID] = id
	s.syncStatusIndexLocked(id, call.Status)

	snapshot := *call
	return &snapshot, nil
}

// Answer moves the call between calleeID and callerID to active.
func (s *CallStore) Answer(calleeID, callerID string, now time.Time) (*models.RelayCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.callForUserLocked(calleeID, now)
	if !ok || call.CalleeID != calleeID || call.CallerID != callerID {
		return nil, ErrCallNotFound
	}
	if call.Status != models.RelayCallRinging {
		return nil, ErrCallEnded
	}

	call.Status = models.RelayCallActive
	call.UpdatedAt = now
	call.ExpiresAt = now.Add(s.callTTL)
	s.syncStatusIndexLocked(call.ID, call.Status)

	snapshot := *call
	return &snapshot, nil
}

// End removes the call between userID and peerID.
func (s *CallStore) End(userID, peerID string, now time.Time) (*models.RelayCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.callForUserLocked(userID, now)
	if !ok || call.Other(userID) != peerID {
		return nil, ErrCallNotFound
	}
	s.markEndedLocked(call, now)
	snapshot := *call
	s.removeCallLocked(call)
	return &snapshot, nil
}

// EndForUser removes whatever call userID takes part in.
func (s *CallStore) EndForUser(userID string, now time.Time) (*models.RelayCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.callForUserLocked(userID, now)
	if !ok {
		return nil, false
	}
	s.markEndedLocked(call, now)
	snapshot := *call
	s.removeCallLocked(call)
	return &snapshot, true
}

// ActiveFor returns the call userID takes part in, if any.
func (s *CallStore) ActiveFor(userID string, now time.Time) (*models.RelayCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.callForUserLocked(userID, now)
	if !ok {
		return nil, false
	}
	snapshot := *call
	return &snapshot, true
}

func (s *CallStore) ListByStatus(status models.RelayCallStatus, limit int, now time.Time) ([]models.RelayCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(now)

	bucket, ok := s.statusIndex[status]
	if !ok || len(bucket) == 0 {
		return nil, nil
	}

	calls := make([]models.RelayCall, 0, len(bucket))
	for id := range bucket {
		if call, exists := s.calls[id]; exists {
			calls = append(calls, *call)
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})

	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

// Sweep drops expired calls and returns them so the parties can be told.
func (s *CallStore) Sweep(now time.Time) []models.RelayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredLocked(now)
}

func (s *CallStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *CallStore) callForUserLocked(userID string, now time.Time) (*models.RelayCall, bool) {
	id, ok := s.byUser[userID]
	if !ok {
		return nil, false
	}
	call, ok := s.calls[id]
	if !ok {
		delete(s.byUser, userID)
		return nil, false
	}
	if !call.ExpiresAt.IsZero() && now.After(call.ExpiresAt) {
		s.markEndedLocked(call, now)
		s.removeCallLocked(call)
		return nil, false
	}
	return call, true
}

func (s *CallStore) cleanupExpiredLocked(now time.Time) []models.RelayCall {
	var expired []models.RelayCall
	for _, call := range s.calls {
		if !call.ExpiresAt.IsZero() && now.After(call.ExpiresAt) {
			s.markEndedLocked(call, now)
			expired = append(expired, *call)
			s.removeCallLocked(call)
		}
	}
	return expired
}

func (s *CallStore) markEndedLocked(call *models.RelayCall, now time.Time) {
	call.Status = models.RelayCallEnded
	call.UpdatedAt = now
	call.ExpiresAt = now
}

func (s *CallStore) removeCallLocked(call *models.RelayCall) {
	delete(s.calls, call.ID)
	for _, uid := range []string{call.CallerID, call.CalleeID} {
		if s.byUser[uid] == call.ID {
			delete(s.byUser, uid)
		}
	}
	s.untrackStatusLocked(call.ID)
}

func (s *CallStore) syncStatusIndexLocked(callID string, status models.RelayCallStatus) {
	s.untrackStatusLocked(callID)
	if bucket, ok := s.statusIndex[status]; ok {
		bucket[callID] = struct{}{}
	}
}

func (s *CallStore) untrackStatusLocked(callID string) {
	for _, bucket := range s.statusIndex {
		delete(bucket, callID)
	}
}
