package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripKeepsPayload(t *testing.T) {
	env, err := New(TypeCallOffer, "bob", OfferPayload{SDP: "v=0", Audio: true})
	require.NoError(t, err)

	raw, err := Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"call-offer"`)
	assert.Contains(t, string(raw), `"to":"bob"`)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	var offer OfferPayload
	require.NoError(t, parsed.Decode(&offer))
	assert.Equal(t, "v=0", offer.SDP)
	assert.True(t, offer.Media().Audio)
	assert.False(t, offer.Media().Video)
}

func TestParseRejectsUntypedFrames(t *testing.T) {
	_, err := Parse([]byte(`{"from":"a"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestIsCallSignal(t *testing.T) {
	for _, typ := range []string{TypeCallOffer, TypeCallAnswer, TypeIceCandidate, TypeCallEnd, TypeCallReject, TypeCallUnavailable} {
		assert.True(t, IsCallSignal(typ), typ)
	}
	assert.False(t, IsCallSignal(TypeNewMessage))
	assert.False(t, IsCallSignal(TypeNewGroup))
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher(nil)

	var offers, ends []string
	cancel := d.Handle(TypeCallOffer, func(e Envelope) { offers = append(offers, e.From) })
	d.Handle(TypeCallEnd, func(e Envelope) { ends = append(ends, e.From) })

	assert.True(t, d.Dispatch(Envelope{Type: TypeCallOffer, From: "a"}))
	assert.True(t, d.Dispatch(Envelope{Type: TypeCallEnd, From: "b"}))
	assert.False(t, d.Dispatch(Envelope{Type: "unknown", From: "c"}))

	cancel()
	cancel()
	assert.False(t, d.Dispatch(Envelope{Type: TypeCallOffer, From: "d"}))

	assert.Equal(t, []string{"a"}, offers)
	assert.Equal(t, []string{"b"}, ends)
}

func TestDispatcherCallsHandlersInOrder(t *testing.T) {
	d := NewDispatcher(nil)
	var order []int
	d.Handle(TypeNewMessage, func(Envelope) { order = append(order, 1) })
	d.Handle(TypeNewMessage, func(Envelope) { order = append(order, 2) })

	d.Dispatch(Envelope{Type: TypeNewMessage})
	assert.Equal(t, []int{1, 2}, order)
}

// echoServer upgrades the connection, checks the token and echoes every
// frame back with from set to "relay".
func echoServer(t *testing.T, token string) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := Parse(payload)
			if err != nil {
				continue
			}
			env.From = "relay"
			out, _ := Encode(env)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func TestWSTransportSendAndReceive(t *testing.T) {
	srv, _ := echoServer(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, srv.URL, "secret")
	require.NoError(t, err)
	defer tr.Close()

	got := make(chan Envelope, 1)
	tr.Handle(TypeIceCandidate, func(e Envelope) { got <- e })

	env, err := New(TypeIceCandidate, "bob", CandidatePayload{Candidate: "candidate:1"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, env))

	select {
	case e := <-got:
		assert.Equal(t, "relay", e.From)
		var c CandidatePayload
		require.NoError(t, e.Decode(&c))
		assert.Equal(t, "candidate:1", c.Candidate)
	case <-ctx.Done():
		t.Fatal("envelope was not echoed back")
	}
}

func TestWSTransportRejectsBadToken(t *testing.T) {
	srv, _ := echoServer(t, "secret")

	_, err := Dial(context.Background(), srv.URL, "wrong")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))
}

func TestWSTransportReportsDisconnectOnce(t *testing.T) {
	srv, conns := echoServer(t, "secret")

	tr, err := Dial(context.Background(), srv.URL, "secret")
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	tr.OnDisconnect(func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	serverSide := <-conns
	_ = serverSide.Close()

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not notice the dropped connection")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)
	assert.Error(t, tr.Err())

	err = tr.Send(context.Background(), Envelope{Type: TypeCallEnd})
	assert.True(t, errors.Is(err, ErrTransportClosed))
}

func TestWSTransportCloseDoesNotReportLoss(t *testing.T) {
	srv, _ := echoServer(t, "secret")

	tr, err := Dial(context.Background(), srv.URL, "secret")
	require.NoError(t, err)

	lost := make(chan struct{}, 1)
	tr.OnDisconnect(func(error) { lost <- struct{}{} })

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case <-lost:
		t.Fatal("local close must not be reported as a loss")
	case <-time.After(100 * time.Millisecond):
	}
	assert.NoError(t, tr.Err())
}
