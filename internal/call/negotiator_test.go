package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/signaling"
)

type fakeStream struct {
	released int
	muted    bool
}

func (s *fakeStream) Release()            { s.released++ }
func (s *fakeStream) SetMuted(muted bool) { s.muted = muted }
func (s *fakeStream) Muted() bool         { return s.muted }

type fakePeer struct {
	name       string
	hooks      SessionHooks
	remote     string
	candidates []string
	closed     int
}

func (p *fakePeer) CreateOffer(context.Context) (string, error)  { return "offer-from-" + p.name, nil }
func (p *fakePeer) CreateAnswer(context.Context) (string, error) { return "answer-from-" + p.name, nil }

func (p *fakePeer) SetRemoteDescription(_ context.Context, sdp string) error {
	p.remote = sdp
	return nil
}

func (p *fakePeer) AddICECandidate(_ context.Context, c string) error {
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.closed++
	return nil
}

type fakeMedia struct {
	name       string
	acquireErr error
	acquired   int
	streams    []*fakeStream
	peers      []*fakePeer
}

func (m *fakeMedia) Acquire(context.Context, models.MediaOptions) (LocalStream, error) {
	m.acquired++
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) NewSession(_ context.Context, _ LocalStream, hooks SessionHooks) (PeerSession, error) {
	p := &fakePeer{name: m.name, hooks: hooks}
	m.peers = append(m.peers, p)
	return p, nil
}

func (m *fakeMedia) lastPeer() *fakePeer {
	return m.peers[len(m.peers)-1]
}

type fakeSender struct {
	sent []signaling.Envelope
	err  error
}

func (s *fakeSender) Send(_ context.Context, env signaling.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) types() []string {
	out := make([]string, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.Type)
	}
	return out
}

type fakeTimer struct {
	durations []time.Duration
	fns       []func()
	stopped   int
}

func (t *fakeTimer) afterFunc(d time.Duration, fn func()) func() bool {
	t.durations = append(t.durations, d)
	t.fns = append(t.fns, fn)
	return func() bool {
		t.stopped++
		return true
	}
}

type recorder struct {
	events []models.CallEvent
	infos  []models.SessionInfo
}

func (r *recorder) OnCallStateChange(e models.CallEvent, info models.SessionInfo) {
	r.events = append(r.events, e)
	r.infos = append(r.infos, info)
}

func (r *recorder) last() models.SessionInfo {
	return r.infos[len(r.infos)-1]
}

type harness struct {
	n      *Negotiator
	media  *fakeMedia
	sender *fakeSender
	timer  *fakeTimer
	rec    *recorder
	now    time.Time
}

func newHarness(t *testing.T, localID string) *harness {
	t.Helper()
	h := &harness{
		media:  &fakeMedia{name: localID},
		sender: &fakeSender{},
		timer:  &fakeTimer{},
		rec:    &recorder{},
		now:    time.Unix(1_700_000_000, 0),
	}
	h.n = NewNegotiator(localID, h.sender, h.media,
		WithAfterFunc(h.timer.afterFunc),
		WithNow(func() time.Time { return h.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h.n.Subscribe(h.rec)
	return h
}

func reasonIn(t *testing.T, env signaling.Envelope) string {
	t.Helper()
	var p signaling.ReasonPayload
	require.NoError(t, env.Decode(&p))
	return p.Reason
}

func TestStartCallSendsOfferAndRings(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()

	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))

	sess, ok := h.n.Session()
	require.True(t, ok)
	assert.Equal(t, models.CallStateRinging, sess.State)
	assert.Equal(t, models.CallOutgoing, sess.Direction)
	assert.Equal(t, "offer-from-alice", sess.LocalDescription)

	require.Len(t, h.sender.sent, 1)
	env := h.sender.sent[0]
	assert.Equal(t, signaling.TypeCallOffer, env.Type)
	assert.Equal(t, "bob", env.To)
	var offer signaling.OfferPayload
	require.NoError(t, env.Decode(&offer))
	assert.Equal(t, "offer-from-alice", offer.SDP)
	assert.True(t, offer.Audio)

	assert.Equal(t, []models.CallEvent{models.CallEventCalling}, h.rec.events)
}

func TestStartCallWhileActiveFails(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))

	err := h.n.StartCall(ctx, "carol", "Carol", models.AudioOnly)
	assert.True(t, errors.Is(err, ErrAlreadyInCall))
	assert.Equal(t, 1, h.media.acquired)
	assert.Len(t, h.sender.sent, 1)

	sess, _ := h.n.Session()
	assert.Equal(t, "bob", sess.PeerID)
}

func TestStartCallWithPendingOfferFails(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "sdp", models.AudioOnly))

	err := h.n.StartCall(ctx, "carol", "Carol", models.AudioOnly)
	assert.True(t, errors.Is(err, ErrAlreadyInCall))
	assert.Equal(t, 0, h.media.acquired)
	_, pending := h.n.Pending()
	assert.True(t, pending)
}

func TestStartCallMediaDeniedLeavesNoSession(t *testing.T) {
	h := newHarness(t, "alice")
	h.media.acquireErr = errors.New("permission denied")

	err := h.n.StartCall(context.Background(), "bob", "Bob", models.AudioOnly)
	assert.True(t, errors.Is(err, ErrMediaAccessDenied))

	_, ok := h.n.Session()
	assert.False(t, ok)
	assert.Empty(t, h.sender.sent)
	assert.Empty(t, h.rec.events)
	assert.Empty(t, h.media.peers)
}

func TestStartCallSendFailureReleasesMedia(t *testing.T) {
	h := newHarness(t, "alice")
	h.sender.err = signaling.ErrTransportClosed

	err := h.n.StartCall(context.Background(), "bob", "Bob", models.AudioOnly)
	assert.True(t, errors.Is(err, ErrTransportDisconnected))

	_, ok := h.n.Session()
	assert.False(t, ok)
	require.Len(t, h.media.streams, 1)
	assert.Equal(t, 1, h.media.streams[0].released)
	assert.Equal(t, 1, h.media.peers[0].closed)
}

// link delivers queued envelopes between two negotiators, stamping from the
// way the relay does.
type link struct {
	t     *testing.T
	nodes map[string]*harness
}

func (l *link) flush() {
	l.t.Helper()
	for moved := true; moved; {
		moved = false
		for id, h := range l.nodes {
			out := h.sender.sent
			h.sender.sent = nil
			for _, env := range out {
				moved = true
				env.From = id
				dst, ok := l.nodes[env.To]
				require.True(l.t, ok, "no node %q", env.To)
				require.NoError(l.t, dst.n.HandleSignal(context.Background(), env))
			}
		}
	}
}

func TestCallBetweenTwoPeers(t *testing.T) {
	a := newHarness(t, "alice")
	b := newHarness(t, "bob")
	l := &link{t: t, nodes: map[string]*harness{"alice": a, "bob": b}}
	ctx := context.Background()

	require.NoError(t, a.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	peerA := a.media.lastPeer()
	peerA.hooks.OnLocalCandidate("a1")
	peerA.hooks.OnLocalCandidate("a2")
	peerA.hooks.OnLocalCandidate("a3")
	l.flush()

	pending, ok := b.n.Pending()
	require.True(t, ok)
	assert.Equal(t, "alice", pending.FromPeerID)
	assert.Equal(t, "offer-from-alice", pending.SessionDescription)
	assert.Equal(t, 0, b.media.acquired)
	assert.Equal(t, []models.CallEvent{models.CallEventIncoming}, b.rec.events)

	require.NoError(t, b.n.AcceptPendingOffer(ctx))
	peerB := b.media.lastPeer()
	assert.Equal(t, "offer-from-alice", peerB.remote)
	assert.Equal(t, []string{"a1", "a2", "a3"}, peerB.candidates)

	peerB.hooks.OnLocalCandidate("b1")
	l.flush()

	sessA, _ := a.n.Session()
	sessB, _ := b.n.Session()
	assert.Equal(t, models.CallStateConnected, sessA.State)
	assert.Equal(t, models.CallStateConnected, sessB.State)
	assert.Equal(t, "answer-from-bob", peerA.remote)
	assert.Equal(t, []string{"b1"}, peerA.candidates)
	assert.Equal(t, []models.CallEvent{models.CallEventIncoming, models.CallEventAnswering, models.CallEventConnected}, b.rec.events)
	assert.Equal(t, []models.CallEvent{models.CallEventCalling, models.CallEventConnected}, a.rec.events)

	// Candidates are applied exactly once.
	assert.Equal(t, 0, b.n.reconciler.Len("alice"))
	assert.Equal(t, []string{"a1", "a2", "a3"}, peerB.candidates)

	require.NoError(t, a.n.EndCall(ctx))
	l.flush()

	_, ok = a.n.Session()
	assert.False(t, ok)
	_, ok = b.n.Session()
	assert.False(t, ok)
	assert.Equal(t, models.CallEventEnded, a.rec.events[len(a.rec.events)-1])
	assert.Equal(t, models.CallEventEnded, b.rec.events[len(b.rec.events)-1])
	assert.Equal(t, 1, a.media.streams[0].released)
	assert.Equal(t, 1, b.media.streams[0].released)
	assert.Equal(t, 1, peerA.closed)
	assert.Equal(t, 1, peerB.closed)
}

func TestCandidatesBeforeAnswerAreQueued(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	peer := h.media.lastPeer()

	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "bob", "b1"))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "bob", "b2"))
	assert.Empty(t, peer.candidates)

	require.NoError(t, h.n.ReceiveAnswer(ctx, "bob", "answer"))
	assert.Equal(t, []string{"b1", "b2"}, peer.candidates)

	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "bob", "b3"))
	assert.Equal(t, []string{"b1", "b2", "b3"}, peer.candidates)
}

func TestCandidatesAheadOfOfferAreAdopted(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "a1"))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "a2"))
	h.now = h.now.Add(time.Second)
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "a3"))

	require.NoError(t, h.n.AcceptPendingOffer(ctx))
	assert.Equal(t, []string{"a1", "a2", "a3"}, h.media.lastPeer().candidates)
}

func TestExpiredEarlyCandidatesAreDiscarded(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "old"))
	h.now = h.now.Add(DefaultOrphanGrace + time.Second)
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))

	require.NoError(t, h.n.AcceptPendingOffer(ctx))
	assert.Empty(t, h.media.lastPeer().candidates)
}

func TestLateCandidateAfterDeclineStaysOutOfRedial(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-1", models.AudioOnly))
	require.NoError(t, h.n.RejectPendingOffer(ctx))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "stale-from-call-1"))

	h.now = h.now.Add(time.Second)
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-2", models.AudioOnly))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "fresh-call-2"))
	require.NoError(t, h.n.AcceptPendingOffer(ctx))

	assert.Equal(t, []string{"fresh-call-2"}, h.media.lastPeer().candidates)
}

func TestLateCandidateAfterHangupStaysOutOfRedial(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-1", models.AudioOnly))
	require.NoError(t, h.n.AcceptPendingOffer(ctx))
	h.n.ReceiveEnd("alice", ReasonHangup)
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "late-from-call-1"))

	h.now = h.now.Add(2 * time.Second)
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-2", models.AudioOnly))
	require.NoError(t, h.n.AcceptPendingOffer(ctx))

	require.Len(t, h.media.peers, 2)
	assert.Empty(t, h.media.lastPeer().candidates)
	assert.Empty(t, h.media.peers[0].candidates)
}

func TestEarlyCandidatesHeldAgainOnceQuietPeriodEnds(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-1", models.AudioOnly))
	require.NoError(t, h.n.RejectPendingOffer(ctx))

	h.now = h.now.Add(DefaultOrphanGrace + time.Second)
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "early-call-2"))
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-2", models.AudioOnly))
	require.NoError(t, h.n.AcceptPendingOffer(ctx))

	assert.Equal(t, []string{"early-call-2"}, h.media.lastPeer().candidates)
}

func TestIncomingSessionCarriesCallerName(t *testing.T) {
	h := newHarness(t, "bob")
	names := map[string]string{"alice": "Alice"}
	WithPeerNames(func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		return id
	})(h.n)
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.AcceptPendingOffer(ctx))

	assert.Equal(t, []models.CallEvent{models.CallEventIncoming, models.CallEventAnswering, models.CallEventConnected}, h.rec.events)
	for _, info := range h.rec.infos {
		assert.Equal(t, "Alice", info.PeerName)
	}
	sess, _ := h.n.Session()
	assert.Equal(t, "Alice", sess.PeerName)

	// Without a lookup the peer id stands in.
	h2 := newHarness(t, "bob")
	require.NoError(t, h2.n.ReceiveOffer(ctx, "carol", "offer", models.AudioOnly))
	assert.Equal(t, "carol", h2.rec.last().PeerName)
}

func TestPendingOfferTimesOut(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "a1"))
	require.Len(t, h.timer.durations, 1)
	assert.Equal(t, 30*time.Second, h.timer.durations[0])

	h.timer.fns[0]()

	_, ok := h.n.Pending()
	assert.False(t, ok)
	assert.Equal(t, 0, h.n.reconciler.Len("alice"))
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, signaling.TypeCallReject, h.sender.sent[0].Type)
	assert.Equal(t, "alice", h.sender.sent[0].To)
	assert.Equal(t, ReasonTimeout, reasonIn(t, h.sender.sent[0]))
	assert.Equal(t, []models.CallEvent{models.CallEventIncoming, models.CallEventRejected}, h.rec.events)
	assert.Equal(t, 0, h.media.acquired)
}

func TestStaleTimerDoesNotRejectNewOffer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.RejectPendingOffer(ctx))
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-2", models.AudioOnly))

	h.timer.fns[0]()

	pending, ok := h.n.Pending()
	require.True(t, ok)
	assert.Equal(t, "offer-2", pending.SessionDescription)
}

func TestRepeatedOfferRestartsTimer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()

	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer-2", models.AudioOnly))

	assert.Len(t, h.timer.durations, 2)
	assert.Equal(t, 1, h.timer.stopped)
	pending, _ := h.n.Pending()
	assert.Equal(t, "offer-2", pending.SessionDescription)
	assert.Equal(t, []models.CallEvent{models.CallEventIncoming}, h.rec.events)
}

func TestOfferWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	h.sender.sent = nil

	require.NoError(t, h.n.ReceiveOffer(ctx, "carol", "offer", models.AudioOnly))

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, signaling.TypeCallReject, h.sender.sent[0].Type)
	assert.Equal(t, "carol", h.sender.sent[0].To)
	assert.Equal(t, ReasonBusy, reasonIn(t, h.sender.sent[0]))
	_, pending := h.n.Pending()
	assert.False(t, pending)
	sess, _ := h.n.Session()
	assert.Equal(t, "bob", sess.PeerID)
}

func TestAcceptMediaDeniedRejectsOffer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))
	require.NoError(t, h.n.ReceiveIceCandidate(ctx, "alice", "a1"))
	h.media.acquireErr = errors.New("no microphone")

	err := h.n.AcceptPendingOffer(ctx)
	assert.True(t, errors.Is(err, ErrMediaAccessDenied))

	_, ok := h.n.Session()
	assert.False(t, ok)
	_, ok = h.n.Pending()
	assert.False(t, ok)
	assert.Equal(t, 0, h.n.reconciler.Len("alice"))
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, ReasonMediaDenied, reasonIn(t, h.sender.sent[0]))
	assert.Equal(t, models.CallEventRejected, h.rec.events[len(h.rec.events)-1])
	assert.Equal(t, ReasonMediaDenied, h.rec.last().Reason)
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))

	require.NoError(t, h.n.EndCall(ctx))
	require.NoError(t, h.n.EndCall(ctx))
	h.n.ReceiveEnd("bob", "")
	h.n.HandleConnectivityLoss()

	assert.Equal(t, []string{signaling.TypeCallOffer, signaling.TypeCallEnd}, h.sender.types())
	assert.Equal(t, []models.CallEvent{models.CallEventCalling, models.CallEventEnded}, h.rec.events)
	assert.Equal(t, 1, h.media.streams[0].released)
	assert.Equal(t, 1, h.media.peers[0].closed)
}

func TestEndCallDeclinesPendingOffer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))

	require.NoError(t, h.n.EndCall(ctx))

	assert.Equal(t, []string{signaling.TypeCallReject}, h.sender.types())
	assert.Equal(t, ReasonDeclined, reasonIn(t, h.sender.sent[0]))
	assert.Equal(t, 1, h.timer.stopped)
}

func TestCallerWithdrawsOffer(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))

	h.n.ReceiveEnd("alice", "")

	_, ok := h.n.Pending()
	assert.False(t, ok)
	assert.Equal(t, models.CallEventEnded, h.rec.events[len(h.rec.events)-1])
	assert.Empty(t, h.sender.sent)
}

func TestRemoteRejectAndUnavailable(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, "alice")
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	h.n.ReceiveReject("carol", "")
	_, ok := h.n.Session()
	require.True(t, ok, "reject from another peer must be ignored")
	h.n.ReceiveReject("bob", ReasonBusy)
	assert.Equal(t, models.CallEventRejected, h.rec.events[len(h.rec.events)-1])
	assert.Equal(t, ReasonBusy, h.rec.last().Reason)
	assert.Equal(t, 1, h.media.streams[0].released)

	h2 := newHarness(t, "alice")
	require.NoError(t, h2.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	env, err := signaling.New(signaling.TypeCallUnavailable, "alice", signaling.ReasonPayload{Reason: "offline"})
	require.NoError(t, err)
	require.NoError(t, h2.n.HandleSignal(ctx, env))
	assert.Equal(t, models.CallEventUnavailable, h2.rec.events[len(h2.rec.events)-1])
	assert.Equal(t, "offline", h2.rec.last().Reason)
	assert.Equal(t, 1, h2.media.streams[0].released)
}

func TestConnectivityLossEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))
	require.NoError(t, h.n.ReceiveAnswer(ctx, "bob", "answer"))

	h.media.lastPeer().hooks.OnConnectivityLost()

	_, ok := h.n.Session()
	assert.False(t, ok)
	assert.Equal(t, models.CallEventEnded, h.rec.events[len(h.rec.events)-1])
	assert.Equal(t, ReasonConnectionLost, h.rec.last().Reason)
	assert.Equal(t, 1, h.media.streams[0].released)
}

func TestTransportLossEndsPendingAndActive(t *testing.T) {
	h := newHarness(t, "bob")
	ctx := context.Background()
	require.NoError(t, h.n.ReceiveOffer(ctx, "alice", "offer", models.AudioOnly))

	h.n.HandleTransportLoss(errors.New("socket closed"))
	h.n.HandleTransportLoss(errors.New("socket closed"))

	_, ok := h.n.Pending()
	assert.False(t, ok)
	assert.Equal(t, []models.CallEvent{models.CallEventIncoming, models.CallEventEnded}, h.rec.events)
	assert.Equal(t, ReasonTransportLost, h.rec.last().Reason)
}

func TestOperationsWithoutSession(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()

	assert.True(t, errors.Is(h.n.AcceptPendingOffer(ctx), ErrNoPendingOffer))
	assert.True(t, errors.Is(h.n.RejectPendingOffer(ctx), ErrNoPendingOffer))
	assert.True(t, errors.Is(h.n.ReceiveAnswer(ctx, "bob", "answer"), ErrNoActiveSession))
	_, err := h.n.ToggleMute()
	assert.True(t, errors.Is(err, ErrNoActiveSession))
	assert.NoError(t, h.n.EndCall(ctx))
	assert.Empty(t, h.sender.sent)
	assert.Empty(t, h.rec.events)
}

func TestAnswerFromWrongPeerIsUnroutable(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.n.StartCall(ctx, "bob", "Bob", models.AudioOnly))

	err := h.n.ReceiveAnswer(ctx, "carol", "answer")
	assert.True(t, errors.Is(err, ErrUnroutableSignal))
	sess, _ := h.n.Session()
	assert.Equal(t, models.CallStateRinging, sess.State)
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.n.StartCall(context.Background(), "bob", "Bob", models.AudioOnly))

	muted, err := h.n.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	muted, err = h.n.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestSubscribeCancel(t *testing.T) {
	h := newHarness(t, "alice")
	extra := &recorder{}
	cancel := h.n.Subscribe(extra)
	cancel()
	cancel()

	require.NoError(t, h.n.StartCall(context.Background(), "bob", "Bob", models.AudioOnly))
	assert.Empty(t, extra.events)
	assert.Len(t, h.rec.events, 1)
}
