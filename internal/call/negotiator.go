package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/signaling"
)

const (
	DefaultOfferTimeout = 30 * time.Second
	DefaultOrphanGrace  = 5 * time.Second
)

// Reasons carried in call-end and call-reject payloads.
const (
	ReasonHangup         = "hangup"
	ReasonDeclined       = "declined"
	ReasonTimeout        = "timeout"
	ReasonBusy           = "busy"
	ReasonMediaDenied    = "media-denied"
	ReasonError          = "error"
	ReasonConnectionLost = "connection-lost"
	ReasonTransportLost  = "transport-lost"
)

// Negotiator drives the offer/answer/ICE exchange for at most one call at a
// time.
//
// It is not safe for concurrent use. All methods must be called from a single
// goroutine; media callbacks and the offer timer re-enter through the executor
// installed with WithExecutor.
type Negotiator struct {
	localID    string
	sender     signaling.Sender
	media      Media
	reconciler *Reconciler
	logger     *slog.Logger

	nowFn        func() time.Time
	peerName     func(peerID string) string
	exec         func(func())
	afterFunc    func(time.Duration, func()) (stop func() bool)
	offerTimeout time.Duration
	orphanGrace  time.Duration

	session   *models.CallSession
	peer      PeerSession
	stream    LocalStream
	pending   *models.PendingOffer
	stopTimer func() bool

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

type Option func(*Negotiator)

// WithExecutor sets how callbacks from other goroutines are serialized back
// onto the goroutine that owns the negotiator.
func WithExecutor(exec func(func())) Option {
	return func(n *Negotiator) {
		if exec != nil {
			n.exec = exec
		}
	}
}

func WithAfterFunc(fn func(time.Duration, func()) (stop func() bool)) Option {
	return func(n *Negotiator) {
		if fn != nil {
			n.afterFunc = fn
		}
	}
}

func WithOfferTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.offerTimeout = d
		}
	}
}

func WithOrphanGrace(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.orphanGrace = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(n *Negotiator) {
		if now != nil {
			n.nowFn = now
		}
	}
}

// WithPeerNames sets how the display name of a caller is looked up when
// their offer arrives. Without it the peer id is shown.
func WithPeerNames(lookup func(peerID string) string) Option {
	return func(n *Negotiator) {
		if lookup != nil {
			n.peerName = lookup
		}
	}
}

func WithReconciler(r *Reconciler) Option {
	return func(n *Negotiator) {
		if r != nil {
			n.reconciler = r
		}
	}
}

func NewNegotiator(localID string, sender signaling.Sender, media Media, opts ...Option) *Negotiator {
	n := &Negotiator{
		localID:      localID,
		sender:       sender,
		media:        media,
		logger:       slog.Default(),
		nowFn:        time.Now,
		peerName:     func(peerID string) string { return peerID },
		exec:         func(fn func()) { fn() },
		offerTimeout: DefaultOfferTimeout,
		orphanGrace:  DefaultOrphanGrace,
		observers:    make(map[int]Observer),
	}
	n.afterFunc = func(d time.Duration, fn func()) func() bool {
		return time.AfterFunc(d, fn).Stop
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.reconciler == nil {
		n.reconciler = NewReconciler()
	}
	return n
}

// Subscribe registers obs for state changes until cancel is called.
func (n *Negotiator) Subscribe(obs Observer) (cancel func()) {
	n.obsMu.Lock()
	id := n.nextObs
	n.nextObs++
	n.observers[id] = obs
	n.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.obsMu.Lock()
			delete(n.observers, id)
			n.obsMu.Unlock()
		})
	}
}

// Session returns a copy of the active session.
func (n *Negotiator) Session() (models.CallSession, bool) {
	if n.session == nil {
		return models.CallSession{}, false
	}
	return *n.session, true
}

// Pending returns a copy of the offer awaiting a decision.
func (n *Negotiator) Pending() (models.PendingOffer, bool) {
	if n.pending == nil {
		return models.PendingOffer{}, false
	}
	return *n.pending, true
}

// StartCall places an outgoing call to peerID.
func (n *Negotiator) StartCall(ctx context.Context, peerID, peerName string, opts models.MediaOptions) error {
	if n.session != nil || n.pending != nil {
		return ErrAlreadyInCall
	}
	if peerID == "" || peerID == n.localID {
		return fmt.Errorf("%w: invalid peer %q", ErrUnroutableSignal, peerID)
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return err
	}
	sess := &models.CallSession{
		ID:        id,
		PeerID:    peerID,
		PeerName:  peerName,
		Direction: models.CallOutgoing,
		State:     models.CallStateOffering,
		Media:     opts,
		StartedAt: n.nowFn(),
	}

	stream, err := n.media.Acquire(ctx, opts)
	if err != nil {
		return mediaDenied(err)
	}
	n.session = sess
	n.stream = stream

	peer, err := n.media.NewSession(ctx, stream, n.hooks(sess.ID))
	if err != nil {
		return n.abort(ctx, fmt.Errorf("create peer session: %w", err))
	}
	n.peer = peer

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return n.abort(ctx, fmt.Errorf("create offer: %w", err))
	}
	sess.LocalDescription = offer

	env, err := signaling.New(signaling.TypeCallOffer, peerID, signaling.OfferPayload{
		SDP:   offer,
		Audio: opts.Audio,
		Video: opts.Video,
	})
	if err != nil {
		return n.abort(ctx, err)
	}
	if err := n.sender.Send(ctx, env); err != nil {
		n.teardown(models.CallEventEnded, ReasonTransportLost)
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}

	sess.State = models.CallStateRinging
	n.logger.Info("call offer sent", "session_id", sess.ID, "peer_id", peerID, "sdp_bytes", len(offer))
	n.notify(models.CallEventCalling, sess.Info())
	return nil
}

// ReceiveOffer records an incoming offer for the user to accept or reject.
// Media is not touched until the offer is accepted.
func (n *Negotiator) ReceiveOffer(ctx context.Context, from, sdp string, opts models.MediaOptions) error {
	if from == "" {
		return fmt.Errorf("%w: offer without sender", ErrUnroutableSignal)
	}

	if n.session == nil && n.pending != nil && n.pending.FromPeerID == from {
		n.pending.SessionDescription = sdp
		n.pending.Media = opts
		n.pending.ReceivedAt = n.nowFn()
		n.startOfferTimer(n.pending.ID)
		n.logger.Debug("call offer replaced", "peer_id", from, "sdp_bytes", len(sdp))
		return nil
	}

	if n.session != nil || n.pending != nil {
		n.logger.Info("call offer while busy", "peer_id", from)
		n.sendReason(ctx, signaling.TypeCallReject, from, ReasonBusy)
		return nil
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return err
	}
	now := n.nowFn()
	n.pending = &models.PendingOffer{
		ID:                 id,
		FromPeerID:         from,
		FromPeerName:       n.peerName(from),
		SessionDescription: sdp,
		Media:              opts,
		ReceivedAt:         now,
	}
	if adopted := n.reconciler.Adopt(from, now); adopted > 0 {
		n.logger.Debug("adopted early candidates", "peer_id", from, "count", adopted)
	}
	n.startOfferTimer(id)

	n.logger.Info("call offer received", "peer_id", from, "sdp_bytes", len(sdp))
	n.notify(models.CallEventIncoming, n.pending.Info())
	return nil
}

// AcceptPendingOffer answers the pending offer.
func (n *Negotiator) AcceptPendingOffer(ctx context.Context) error {
	p := n.pending
	if p == nil {
		return ErrNoPendingOffer
	}
	n.stopOfferTimer()

	stream, err := n.media.Acquire(ctx, p.Media)
	if err != nil {
		n.pending = nil
		n.retire(p.FromPeerID)
		n.sendReason(ctx, signaling.TypeCallReject, p.FromPeerID, ReasonMediaDenied)
		info := p.Info()
		info.State = models.CallStateEnded
		info.Reason = ReasonMediaDenied
		n.notify(models.CallEventRejected, info)
		return mediaDenied(err)
	}

	n.pending = nil
	sess := &models.CallSession{
		ID:                p.ID,
		PeerID:            p.FromPeerID,
		PeerName:          p.Info().PeerName,
		Direction:         models.CallIncoming,
		State:             models.CallStateAnswering,
		Media:             p.Media,
		RemoteDescription: p.SessionDescription,
		StartedAt:         n.nowFn(),
	}
	n.session = sess
	n.stream = stream
	n.notify(models.CallEventAnswering, sess.Info())

	peer, err := n.media.NewSession(ctx, stream, n.hooks(sess.ID))
	if err != nil {
		return n.abort(ctx, fmt.Errorf("create peer session: %w", err))
	}
	n.peer = peer

	if err := peer.SetRemoteDescription(ctx, p.SessionDescription); err != nil {
		return n.abort(ctx, fmt.Errorf("set remote description: %w", err))
	}
	n.applyQueued(ctx, sess.PeerID)

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return n.abort(ctx, fmt.Errorf("create answer: %w", err))
	}
	sess.LocalDescription = answer

	env, err := signaling.New(signaling.TypeCallAnswer, sess.PeerID, signaling.AnswerPayload{SDP: answer})
	if err != nil {
		return n.abort(ctx, err)
	}
	if err := n.sender.Send(ctx, env); err != nil {
		n.teardown(models.CallEventEnded, ReasonTransportLost)
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}

	sess.State = models.CallStateConnected
	n.logger.Info("call answered", "session_id", sess.ID, "peer_id", sess.PeerID, "sdp_bytes", len(answer))
	n.notify(models.CallEventConnected, sess.Info())
	return nil
}

// RejectPendingOffer declines the pending offer.
func (n *Negotiator) RejectPendingOffer(ctx context.Context) error {
	if n.pending == nil {
		return ErrNoPendingOffer
	}
	n.rejectPending(ctx, ReasonDeclined)
	return nil
}

func (n *Negotiator) rejectPending(ctx context.Context, reason string) {
	p := n.pending
	n.stopOfferTimer()
	n.pending = nil
	n.retire(p.FromPeerID)
	n.sendReason(ctx, signaling.TypeCallReject, p.FromPeerID, reason)

	info := p.Info()
	info.State = models.CallStateEnded
	info.Reason = reason
	n.logger.Info("call offer rejected", "peer_id", p.FromPeerID, "reason", reason)
	n.notify(models.CallEventRejected, info)
}

// ReceiveAnswer completes an outgoing call.
func (n *Negotiator) ReceiveAnswer(ctx context.Context, from, sdp string) error {
	sess := n.session
	if sess == nil || sess.Direction != models.CallOutgoing || sess.State != models.CallStateRinging {
		return ErrNoActiveSession
	}
	if from != sess.PeerID {
		return fmt.Errorf("%w: answer from %q, calling %q", ErrUnroutableSignal, from, sess.PeerID)
	}

	if err := n.peer.SetRemoteDescription(ctx, sdp); err != nil {
		return n.abort(ctx, fmt.Errorf("set remote description: %w", err))
	}
	sess.RemoteDescription = sdp
	n.applyQueued(ctx, from)

	sess.State = models.CallStateConnected
	n.logger.Info("call connected", "session_id", sess.ID, "peer_id", from, "sdp_bytes", len(sdp))
	n.notify(models.CallEventConnected, sess.Info())
	return nil
}

// ReceiveIceCandidate applies a remote candidate or buffers it until the
// session can take it.
func (n *Negotiator) ReceiveIceCandidate(ctx context.Context, from, candidate string) error {
	switch {
	case n.session != nil && n.session.PeerID == from:
		if n.peer != nil && n.session.RemoteDescription != "" && n.reconciler.Len(from) == 0 {
			return n.applyCandidate(ctx, candidate)
		}
		n.reconciler.Enqueue(from, candidate)
	case n.pending != nil && n.pending.FromPeerID == from:
		n.reconciler.Enqueue(from, candidate)
	default:
		now := n.nowFn()
		if dropped := n.reconciler.Sweep(now); dropped > 0 {
			n.logger.Debug("dropped expired early candidates", "count", dropped)
		}
		if n.reconciler.RecentlyEnded(from, now) {
			n.logger.Warn("ice candidate for ended call", "peer_id", from, "error", ErrUnroutableSignal)
			return nil
		}
		n.reconciler.Hold(from, candidate, now, now.Add(n.orphanGrace))
		n.logger.Warn("ice candidate without session", "peer_id", from, "error", ErrUnroutableSignal)
	}
	return nil
}

// EndCall hangs up the active call, or declines a pending offer. It is a
// no-op when idle.
func (n *Negotiator) EndCall(ctx context.Context) error {
	if n.session == nil {
		if n.pending != nil {
			n.rejectPending(ctx, ReasonDeclined)
		}
		return nil
	}
	n.sendReason(ctx, signaling.TypeCallEnd, n.session.PeerID, ReasonHangup)
	n.teardown(models.CallEventEnded, ReasonHangup)
	return nil
}

// ReceiveEnd handles the remote side hanging up, including a caller
// withdrawing an offer that was never answered.
func (n *Negotiator) ReceiveEnd(from, reason string) {
	if !n.involves(from) {
		return
	}
	if reason == "" {
		reason = ReasonHangup
	}
	n.teardown(models.CallEventEnded, reason)
}

func (n *Negotiator) ReceiveReject(from, reason string) {
	if n.session == nil || n.session.Direction != models.CallOutgoing || n.session.PeerID != from {
		return
	}
	if reason == "" {
		reason = ReasonDeclined
	}
	n.teardown(models.CallEventRejected, reason)
}

// ReceiveUnavailable handles the relay reporting that the callee cannot be
// reached. The relay may leave from empty.
func (n *Negotiator) ReceiveUnavailable(from, reason string) {
	if n.session == nil || n.session.Direction != models.CallOutgoing {
		return
	}
	if from != "" && from != n.session.PeerID {
		return
	}
	n.teardown(models.CallEventUnavailable, reason)
}

// HandleConnectivityLoss treats a dropped media path as a remote hangup.
func (n *Negotiator) HandleConnectivityLoss() {
	if n.session == nil {
		return
	}
	n.logger.Warn("call connectivity lost", "session_id", n.session.ID, "peer_id", n.session.PeerID)
	n.teardown(models.CallEventEnded, ReasonConnectionLost)
}

// HandleTransportLoss ends everything when the signaling socket drops.
func (n *Negotiator) HandleTransportLoss(cause error) {
	if n.session == nil && n.pending == nil {
		return
	}
	n.logger.Warn("call ended by transport loss", "error", cause)
	n.teardown(models.CallEventEnded, ReasonTransportLost)
}

// ToggleMute flips the local audio and returns the new muted state.
func (n *Negotiator) ToggleMute() (bool, error) {
	if n.stream == nil {
		return false, ErrNoActiveSession
	}
	muted := !n.stream.Muted()
	n.stream.SetMuted(muted)
	return muted, nil
}

// HandleSignal routes a call envelope to the matching operation.
func (n *Negotiator) HandleSignal(ctx context.Context, env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeCallOffer:
		var p signaling.OfferPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		opts := p.Media()
		if !opts.Audio && !opts.Video {
			opts = models.AudioOnly
		}
		return n.ReceiveOffer(ctx, env.From, p.SDP, opts)
	case signaling.TypeCallAnswer:
		var p signaling.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return n.ReceiveAnswer(ctx, env.From, p.SDP)
	case signaling.TypeIceCandidate:
		var p signaling.CandidatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return n.ReceiveIceCandidate(ctx, env.From, p.Candidate)
	case signaling.TypeCallEnd:
		n.ReceiveEnd(env.From, reasonOf(env))
		return nil
	case signaling.TypeCallReject:
		n.ReceiveReject(env.From, reasonOf(env))
		return nil
	case signaling.TypeCallUnavailable:
		n.ReceiveUnavailable(env.From, reasonOf(env))
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrUnroutableSignal, env.Type)
	}
}

func reasonOf(env signaling.Envelope) string {
	var p signaling.ReasonPayload
	_ = env.Decode(&p)
	return p.Reason
}

func (n *Negotiator) involves(peerID string) bool {
	if n.session != nil {
		return n.session.PeerID == peerID
	}
	return n.pending != nil && n.pending.FromPeerID == peerID
}

func (n *Negotiator) hooks(sessionID string) SessionHooks {
	return SessionHooks{
		OnLocalCandidate: func(candidate string) {
			n.exec(func() { n.sendLocalCandidate(sessionID, candidate) })
		},
		OnConnectivityLost: func() {
			n.exec(func() {
				if n.session != nil && n.session.ID == sessionID {
					n.HandleConnectivityLoss()
				}
			})
		},
	}
}

func (n *Negotiator) sendLocalCandidate(sessionID, candidate string) {
	if n.session == nil || n.session.ID != sessionID {
		return
	}
	env, err := signaling.New(signaling.TypeIceCandidate, n.session.PeerID, signaling.CandidatePayload{Candidate: candidate})
	if err != nil {
		n.logger.Warn("encode local candidate", "error", err)
		return
	}
	if err := n.sender.Send(context.Background(), env); err != nil {
		n.logger.Warn("send local candidate", "peer_id", n.session.PeerID, "error", err)
	}
}

func (n *Negotiator) applyCandidate(ctx context.Context, candidate string) error {
	if err := n.peer.AddICECandidate(ctx, candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) applyQueued(ctx context.Context, peerID string) {
	queued := n.reconciler.Drain(peerID)
	for _, c := range queued {
		if err := n.applyCandidate(ctx, c); err != nil {
			n.logger.Warn("queued candidate rejected", "peer_id", peerID, "error", err)
		}
	}
	if len(queued) > 0 {
		n.logger.Debug("applied queued candidates", "peer_id", peerID, "count", len(queued))
	}
}

func (n *Negotiator) startOfferTimer(offerID string) {
	n.stopOfferTimer()
	n.stopTimer = n.afterFunc(n.offerTimeout, func() {
		n.exec(func() { n.expireOffer(offerID) })
	})
}

func (n *Negotiator) stopOfferTimer() {
	if n.stopTimer != nil {
		n.stopTimer()
		n.stopTimer = nil
	}
}

func (n *Negotiator) expireOffer(offerID string) {
	if n.pending == nil || n.pending.ID != offerID {
		return
	}
	n.logger.Info("call offer timed out", "peer_id", n.pending.FromPeerID)
	n.rejectPending(context.Background(), ReasonTimeout)
}

func (n *Negotiator) sendReason(ctx context.Context, typ, to, reason string) {
	env, err := signaling.New(typ, to, signaling.ReasonPayload{Reason: reason})
	if err != nil {
		n.logger.Warn("encode call signal", "type", typ, "error", err)
		return
	}
	if err := n.sender.Send(ctx, env); err != nil {
		n.logger.Warn("send call signal", "type", typ, "peer_id", to, "error", err)
	}
}

// abort hangs up after a local failure and returns err.
func (n *Negotiator) abort(ctx context.Context, err error) error {
	if n.session != nil {
		n.logger.Error("call failed", "session_id", n.session.ID, "peer_id", n.session.PeerID, "error", err)
		n.sendReason(ctx, signaling.TypeCallEnd, n.session.PeerID, ReasonError)
	}
	n.teardown(models.CallEventEnded, ReasonError)
	return err
}

// teardown releases everything held for the current call and notifies
// observers once. Calling it again is a no-op.
func (n *Negotiator) teardown(event models.CallEvent, reason string) {
	sess, pending := n.session, n.pending
	if sess == nil && pending == nil {
		return
	}
	peer, stream := n.peer, n.stream
	n.session, n.pending, n.peer, n.stream = nil, nil, nil, nil
	n.stopOfferTimer()

	var info models.SessionInfo
	if sess != nil {
		info = sess.Info()
		n.retire(sess.PeerID)
	} else {
		info = pending.Info()
	}
	if pending != nil {
		n.retire(pending.FromPeerID)
	}

	func() {
		defer func() {
			if stream != nil {
				stream.Release()
			}
		}()
		if peer != nil {
			if err := peer.Close(); err != nil {
				n.logger.Warn("close peer session", "error", err)
			}
		}
	}()

	info.State = models.CallStateEnded
	info.Reason = reason
	n.logger.Info("call ended", "session_id", info.SessionID, "peer_id", info.PeerID, "event", string(event), "reason", reason)
	n.notify(event, info)
}

// retire forgets everything buffered for peerID and keeps the peer's late
// candidates out of the next call for the orphan grace period.
func (n *Negotiator) retire(peerID string) {
	now := n.nowFn()
	n.reconciler.Clear(peerID)
	n.reconciler.MarkEnded(peerID, now, now.Add(n.orphanGrace))
}

func (n *Negotiator) notify(event models.CallEvent, info models.SessionInfo) {
	n.obsMu.Lock()
	observers := make([]Observer, 0, len(n.observers))
	for i := 0; i < n.nextObs; i++ {
		if obs, ok := n.observers[i]; ok {
			observers = append(observers, obs)
		}
	}
	n.obsMu.Unlock()

	for _, obs := range observers {
		obs.OnCallStateChange(event, info)
	}
}

func mediaDenied(err error) error {
	if errors.Is(err, ErrMediaAccessDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
}
