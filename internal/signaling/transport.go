package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrTransportClosed = errors.New("signaling transport closed")
	ErrSendBufferFull  = errors.New("signaling send buffer full")
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// Sender is the half of the transport the call negotiator needs.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// WSTransport is a client connection to the relay.
type WSTransport struct {
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	dispatcher *Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	onLost    []func(error)
	cause     error
}

type Option func(*WSTransport)

func WithLogger(logger *slog.Logger) Option {
	return func(t *WSTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithDispatcher(d *Dispatcher) Option {
	return func(t *WSTransport) {
		if d != nil {
			t.dispatcher = d
		}
	}
}

// Dial connects to the relay endpoint, authenticating with token.
func Dial(ctx context.Context, endpoint, token string, opts ...Option) (*WSTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return NewWSTransport(conn, opts...), nil
}

// NewWSTransport starts the pumps on an established connection.
func NewWSTransport(conn *websocket.Conn, opts ...Option) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dispatcher == nil {
		t.dispatcher = NewDispatcher(t.logger)
	}

	go t.writePump()
	go t.readPump()
	return t
}

// Send queues env for writing. It never blocks on the network.
func (t *WSTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- payload:
		t.logger.Debug("ws send", "type", env.Type, "to", env.To, "payload_bytes", len(env.Payload))
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

// Handle subscribes fn to envelopes of type typ.
func (t *WSTransport) Handle(typ string, fn HandlerFunc) (cancel func()) {
	return t.dispatcher.Handle(typ, fn)
}

// OnDisconnect registers fn to run once if the connection is lost. It is not
// called after Close.
func (t *WSTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = append(t.onLost, fn)
}

func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport stopped, or nil if it was closed locally or
// is still running.
func (t *WSTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *WSTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *WSTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.cause = cause
		handlers := append([]func(error){}, t.onLost...)
		t.mu.Unlock()

		close(t.done)
		if cause == nil {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
		}
		_ = t.conn.Close()

		if cause == nil {
			return
		}
		t.logger.Warn("signaling transport lost", "error", cause)
		for _, fn := range handlers {
			fn(cause)
		}
	})
}

func (t *WSTransport) readPump() {
	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		env, err := Parse(payload)
		if err != nil {
			t.logger.Debug("ws bad frame", "error", err)
			continue
		}
		if env.Type == TypePing {
			continue
		}

		// Never log SDP or candidate bodies.
		t.logger.Debug("ws recv", "type", env.Type, "from", env.From, "payload_bytes", len(env.Payload))
		t.dispatcher.Dispatch(env)
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-t.done:
			return
		}
	}
}
