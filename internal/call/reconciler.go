package call

import (
	"sync"
	"time"
)

// Reconciler buffers ICE candidates per peer until the session they belong
// to can take them. Each candidate comes out of Drain exactly once, in
// arrival order.
//
// Candidates for a peer with neither a session nor a pending offer are held
// separately until a deadline, then dropped. Adopt promotes them once the
// offer shows up. A peer whose call just ended is marked for a quiet period
// so its late candidates are never carried into the next call.
type Reconciler struct {
	mu     sync.Mutex
	queues map[string][]string
	held   map[string][]heldCandidate
	ended  map[string]endMark
}

type heldCandidate struct {
	candidate string
	at        time.Time
	until     time.Time
}

type endMark struct {
	at    time.Time
	until time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		queues: make(map[string][]string),
		held:   make(map[string][]heldCandidate),
		ended:  make(map[string]endMark),
	}
}

func (r *Reconciler) Enqueue(peerID, candidate string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[peerID] = append(r.queues[peerID], candidate)
}

// Drain returns the queued candidates for peerID oldest first and forgets
// them.
func (r *Reconciler) Drain(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queues[peerID]
	delete(r.queues, peerID)
	return out
}

// Clear drops everything buffered for peerID, held candidates included.
func (r *Reconciler) Clear(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, peerID)
	delete(r.held, peerID)
}

func (r *Reconciler) Len(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[peerID])
}

// Hold keeps a candidate that arrived at at, before anything it could belong
// to, until the deadline.
func (r *Reconciler) Hold(peerID, candidate string, at, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[peerID] = append(r.held[peerID], heldCandidate{candidate: candidate, at: at, until: until})
}

// MarkEnded records that the call with peerID ended at at. Until the deadline
// RecentlyEnded reports true for the peer.
func (r *Reconciler) MarkEnded(peerID string, at, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[peerID] = endMark{at: at, until: until}
}

func (r *Reconciler) RecentlyEnded(peerID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mark, ok := r.ended[peerID]
	return ok && !now.After(mark.until)
}

// Adopt moves unexpired held candidates for peerID in front of its queue and
// returns how many were kept. Candidates held before the peer's last call
// ended are dropped.
func (r *Reconciler) Adopt(peerID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.held[peerID]
	delete(r.held, peerID)
	if len(held) == 0 {
		return 0
	}
	mark, ended := r.ended[peerID]

	adopted := make([]string, 0, len(held)+len(r.queues[peerID]))
	for _, h := range held {
		if now.After(h.until) {
			continue
		}
		if ended && !h.at.After(mark.at) {
			continue
		}
		adopted = append(adopted, h.candidate)
	}
	kept := len(adopted)
	adopted = append(adopted, r.queues[peerID]...)
	if len(adopted) > 0 {
		r.queues[peerID] = adopted
	}
	return kept
}

// Sweep drops held candidates whose deadline passed and returns how many
// were dropped. Expired end marks go with them.
func (r *Reconciler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for peerID, mark := range r.ended {
		if now.After(mark.until) {
			delete(r.ended, peerID)
		}
	}

	dropped := 0
	for peerID, list := range r.held {
		kept := list[:0]
		for _, h := range list {
			if now.After(h.until) {
				dropped++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(r.held, peerID)
			continue
		}
		r.held[peerID] = kept
	}
	return dropped
}
