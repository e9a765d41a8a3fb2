package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/signaling"
	"github.com/slasso10/chat-multiple/internal/timeline"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeView struct {
	mu       sync.Mutex
	appended []models.Message
	lists    [][]models.ConversationSummary
	active   []models.ActiveConversation
}

func (v *fakeView) RenderActiveConversation(c models.ActiveConversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = append(v.active, c)
}

func (v *fakeView) AppendRenderedMessage(m models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appended = append(v.appended, m)
}

func (v *fakeView) RenderConversationList(l []models.ConversationSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lists = append(v.lists, l)
}

func (v *fakeView) listCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.lists)
}

func (v *fakeView) lastList() []models.ConversationSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lists[len(v.lists)-1]
}

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakeSignals struct {
	got []signaling.Envelope
}

func (f *fakeSignals) HandleSignal(_ context.Context, env signaling.Envelope) error {
	f.got = append(f.got, env)
	return nil
}

func newRouter(local string) (*Router, *timeline.Store, *fakeView, *countingTrigger, *fakeSignals) {
	store := timeline.New(local)
	view := &fakeView{}
	trig := &countingTrigger{}
	sig := &fakeSignals{}
	return NewRouter(store, view, sig, trig, quiet), store, view, trig, sig
}

func TestSelfEchoInActiveGroupIsNotAppended(t *testing.T) {
	r, store, view, trig, _ := newRouter("u1")
	store.SetActiveConversation("g1", "Team", true)

	echo := models.Message{ID: "m1", ChatID: "g1", SenderID: "u1", Content: "hi", Timestamp: 1_700_000_000_000, IsGroup: true}
	assert.False(t, r.HandleNewMessage(echo))

	active, _ := store.Active()
	assert.Empty(t, active.Messages)
	assert.Empty(t, view.appended)
	assert.Equal(t, 1, trig.count())
}

func TestGroupMessageInActiveGroupIsRendered(t *testing.T) {
	r, store, view, trig, _ := newRouter("u1")
	store.SetActiveConversation("g1", "Team", true)

	msg := models.Message{ID: "m1", ChatID: "g1", SenderID: "u2", Content: "hello", Timestamp: 1_700_000_000_000, IsGroup: true}
	assert.True(t, r.HandleNewMessage(msg))
	assert.False(t, r.HandleNewMessage(msg))

	active, _ := store.Active()
	require.Len(t, active.Messages, 1)
	assert.Equal(t, "m1", active.Messages[0].ID)
	assert.Len(t, view.appended, 1)
	assert.Equal(t, 2, trig.count())
}

func TestDirectMessageRelevance(t *testing.T) {
	r, store, view, trig, _ := newRouter("alice")
	store.SetActiveConversation("bob", "Bob", false)

	toMe := models.Message{ID: "m1", ChatID: "alice", SenderID: "bob", Content: "hi", Timestamp: 1_700_000_000_000}
	toOther := models.Message{ID: "m2", ChatID: "carol", SenderID: "bob", Content: "psst", Timestamp: 1_700_000_001_000}
	fromCarol := models.Message{ID: "m3", ChatID: "alice", SenderID: "carol", Content: "yo", Timestamp: 1_700_000_002_000}
	groupWithSameID := models.Message{ID: "m4", ChatID: "bob", SenderID: "dave", Content: "x", Timestamp: 1_700_000_003_000, IsGroup: true}

	assert.True(t, r.HandleNewMessage(toMe))
	assert.False(t, r.HandleNewMessage(toOther))
	assert.False(t, r.HandleNewMessage(fromCarol))
	assert.False(t, r.HandleNewMessage(groupWithSameID))

	active, _ := store.Active()
	require.Len(t, active.Messages, 1)
	assert.Len(t, view.appended, 1)
	assert.Equal(t, 4, trig.count())
}

func TestNoActiveConversationOnlyRefreshes(t *testing.T) {
	r, _, view, trig, _ := newRouter("alice")

	assert.False(t, r.HandleNewMessage(models.Message{ID: "m1", ChatID: "alice", SenderID: "bob", Content: "hi"}))
	assert.Empty(t, view.appended)
	assert.Equal(t, 1, trig.count())
}

func TestPushedSecondsAreNormalized(t *testing.T) {
	r, store, view, _, _ := newRouter("alice")
	store.SetActiveConversation("bob", "Bob", false)

	r.HandleNewMessage(models.Message{ID: "m1", ChatID: "alice", SenderID: "bob", Content: "hi", Timestamp: 1_700_000_000})

	require.Len(t, view.appended, 1)
	assert.Equal(t, int64(1_700_000_000_000), view.appended[0].Timestamp)
}

func TestRouteClassifiesEnvelopes(t *testing.T) {
	r, store, view, trig, sig := newRouter("alice")
	store.SetActiveConversation("bob", "Bob", false)
	ctx := context.Background()

	msgEnv, err := signaling.New(signaling.TypeNewMessage, "alice", signaling.NewMessagePayload{
		Message: models.Message{ID: "m1", ChatID: "alice", SenderID: "bob", Content: "hi", Timestamp: 1_700_000_000_000},
	})
	require.NoError(t, err)
	require.NoError(t, r.Route(ctx, msgEnv))
	assert.Len(t, view.appended, 1)
	assert.Equal(t, 1, trig.count())

	groupEnv, err := signaling.New(signaling.TypeNewGroup, "alice", signaling.NewGroupPayload{
		Group: models.ConversationSummary{ChatID: "group_1", ChatName: "Team", LastMessageContent: "Group created", LastMessageTimestamp: 1_700_000_100_000},
	})
	require.NoError(t, err)
	require.NoError(t, r.Route(ctx, groupEnv))
	require.Equal(t, 1, view.listCount())
	list := view.lastList()
	assert.Equal(t, "group_1", list[0].ChatID)
	assert.True(t, list[0].IsGroup)

	offer, err := signaling.New(signaling.TypeCallOffer, "alice", signaling.OfferPayload{SDP: "v=0", Audio: true})
	require.NoError(t, err)
	offer.From = "bob"
	require.NoError(t, r.Route(ctx, offer))
	require.Len(t, sig.got, 1)
	assert.Equal(t, signaling.TypeCallOffer, sig.got[0].Type)

	require.NoError(t, r.Route(ctx, signaling.Envelope{Type: "typing"}))
	assert.Len(t, sig.got, 1)
}

type fakeSource struct {
	mu        sync.Mutex
	calls     int
	direct    []models.ConversationSummary
	groups    []models.ConversationSummary
	directErr error
}

func (f *fakeSource) GetUserDirectChats(context.Context, string) ([]models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.direct, f.directErr
}

func (f *fakeSource) GetUserGroupChats(context.Context, string) ([]models.ConversationSummary, error) {
	return f.groups, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRefresherCollapsesBurst(t *testing.T) {
	store := timeline.New("alice")
	view := &fakeView{}
	src := &fakeSource{
		direct: []models.ConversationSummary{{ChatID: "bob", ChatName: "Bob", LastMessageTimestamp: 2}},
		groups: []models.ConversationSummary{{ChatID: "group_1", ChatName: "Team", IsGroup: true, LastMessageTimestamp: 1}},
	}
	r := NewRefresher(src, store, view, WithRefreshDelay(20*time.Millisecond), WithRefresherLogger(quiet))
	defer r.Stop()

	for i := 0; i < 5; i++ {
		r.Trigger()
	}

	assert.Eventually(t, func() bool { return view.listCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.callCount())
	list := view.lastList()
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].ChatID)
	assert.Equal(t, "group_1", list[1].ChatID)

	r.Trigger()
	assert.Eventually(t, func() bool { return src.callCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRefresherKeepsPartialResults(t *testing.T) {
	store := timeline.New("alice")
	view := &fakeView{}
	src := &fakeSource{
		directErr: errors.New("boom"),
		groups:    []models.ConversationSummary{{ChatID: "group_1", ChatName: "Team", IsGroup: true, LastMessageTimestamp: 1}},
	}
	r := NewRefresher(src, store, view, WithRefresherLogger(quiet))

	require.NoError(t, r.Refresh(context.Background()))
	sums := store.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "group_1", sums[0].ChatID)
	assert.Equal(t, 1, view.listCount())
}

func TestRefreshRendersOnCallingGoroutine(t *testing.T) {
	store := timeline.New("alice")
	view := &fakeView{}
	src := &fakeSource{direct: []models.ConversationSummary{{ChatID: "bob", ChatName: "Bob", LastMessageTimestamp: 1}}}
	posted := 0
	r := NewRefresher(src, store, view, WithRefresherLogger(quiet), WithRenderExecutor(func(func()) { posted++ }))

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 0, posted)
	assert.Equal(t, 1, view.listCount())

	merged, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, 1, view.listCount())
}

func TestRefresherStopCancelsScheduledRun(t *testing.T) {
	store := timeline.New("alice")
	view := &fakeView{}
	src := &fakeSource{}
	r := NewRefresher(src, store, view, WithRefreshDelay(time.Hour), WithRefresherLogger(quiet))

	r.Trigger()
	r.Stop()
	r.Trigger()

	assert.Equal(t, 0, src.callCount())
}
