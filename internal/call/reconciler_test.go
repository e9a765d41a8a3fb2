package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconcilerDrainsInArrivalOrderOnce(t *testing.T) {
	r := NewReconciler()
	r.Enqueue("alice", "c1")
	r.Enqueue("bob", "x1")
	r.Enqueue("alice", "c2")
	r.Enqueue("alice", "c3")

	assert.Equal(t, 3, r.Len("alice"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, r.Drain("alice"))
	assert.Empty(t, r.Drain("alice"))
	assert.Equal(t, []string{"x1"}, r.Drain("bob"))
}

func TestReconcilerClearDropsHeldCandidates(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewReconciler()
	r.Hold("alice", "early", base, base.Add(time.Second))
	r.Enqueue("alice", "c1")

	r.Clear("alice")
	assert.Equal(t, 0, r.Adopt("alice", base))
	assert.Empty(t, r.Drain("alice"))
}

func TestReconcilerAdoptKeepsUnexpiredInFront(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewReconciler()
	r.Hold("alice", "stale", base, base.Add(time.Second))
	r.Hold("alice", "h1", base, base.Add(10*time.Second))
	r.Hold("alice", "h2", base, base.Add(10*time.Second))
	r.Enqueue("alice", "q1")

	kept := r.Adopt("alice", base.Add(2*time.Second))
	assert.Equal(t, 2, kept)
	assert.Equal(t, []string{"h1", "h2", "q1"}, r.Drain("alice"))
	assert.Equal(t, 0, r.Adopt("alice", base))
}

func TestReconcilerSweepDropsExpired(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewReconciler()
	r.Hold("alice", "a", base, base.Add(time.Second))
	r.Hold("bob", "b1", base, base.Add(time.Second))
	r.Hold("bob", "b2", base, base.Add(time.Minute))

	assert.Equal(t, 2, r.Sweep(base.Add(5*time.Second)))
	assert.Equal(t, 0, r.Adopt("alice", base))
	assert.Equal(t, 1, r.Adopt("bob", base))
	assert.Equal(t, []string{"b2"}, r.Drain("bob"))
}

func TestReconcilerAdoptSkipsCandidatesFromEndedCall(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewReconciler()
	r.Hold("alice", "old", base, base.Add(time.Minute))
	r.MarkEnded("alice", base.Add(time.Second), base.Add(6*time.Second))
	r.Hold("alice", "new", base.Add(2*time.Second), base.Add(time.Minute))

	assert.Equal(t, 1, r.Adopt("alice", base.Add(3*time.Second)))
	assert.Equal(t, []string{"new"}, r.Drain("alice"))
}

func TestReconcilerEndMarkExpires(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewReconciler()
	r.MarkEnded("alice", base, base.Add(5*time.Second))

	assert.True(t, r.RecentlyEnded("alice", base.Add(5*time.Second)))
	assert.False(t, r.RecentlyEnded("bob", base))
	r.Sweep(base.Add(6 * time.Second))
	assert.False(t, r.RecentlyEnded("alice", base))
}
