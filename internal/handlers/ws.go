package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/signaling"
	wshub "github.com/slasso10/chat-multiple/internal/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 70 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsSendBuffer   = 64
	wsMaxFrameSize = 256 << 10
)

// Reasons the relay puts on the envelopes it originates.
const (
	reasonOffline        = "offline"
	reasonBusy           = "busy"
	reasonConnectionLost = "connection-lost"
	reasonTimeout        = "timeout"
)

// HandleWebSocket upgrades an authenticated request into the user's
// signaling connection. A newer connection replaces an older one.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := auth.UserID(c)
	if _, err := h.chats.GetUser(c.Request.Context(), userID); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Debug("ws connect request", "user_id", userID, "ip", c.ClientIP())

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := wshub.NewClient(userID, conn, wsSendBuffer, h.nowFn())
	if replaced := h.hub.Add(client); replaced != nil {
		h.logger.Info("ws connection replaced", "user_id", userID, "previous_connected_at", replaced.ConnectedAt)
		h.endCallsFor(userID, reasonConnectionLost)
	}
	h.metrics.ConnectedClients.Set(float64(h.hub.Count()))
	h.logger.Debug("ws connected", "user_id", userID)

	registered, _ := signaling.Encode(signaling.Envelope{
		Type:    signaling.TypeRegistered,
		Payload: signaling.MustPayload(signaling.RegisteredPayload{UserID: userID}),
	})
	if !client.TrySend(registered) {
		h.logger.Debug("ws send registered failed", "user_id", userID)
		h.hub.Remove(client)
		_ = conn.Close()
		return
	}

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

func (h *Handlers) readPump(conn *websocket.Conn, client *wshub.Client) {
	defer func() {
		h.logger.Debug("ws disconnect", "user_id", client.UserID)
		_ = conn.Close()
		if h.hub.Remove(client) {
			h.endCallsFor(client.UserID, reasonConnectionLost)
		}
		h.metrics.ConnectedClients.Set(float64(h.hub.Count()))
	}()

	conn.SetReadLimit(wsMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read error", "user_id", client.UserID, "error", err)
			return
		}

		env, err := signaling.Parse(payload)
		if err != nil {
			h.logger.Debug("ws bad json", "user_id", client.UserID, "error", err)
			continue
		}
		if env.Type == signaling.TypePing {
			continue
		}

		// Avoid logging SDP and candidate bodies, they carry addresses.
		h.logger.Debug("ws recv", "user_id", client.UserID, "type", env.Type, "to", env.To, "payload_bytes", len(env.Payload))
		h.relay(client.UserID, env)
	}
}

func (h *Handlers) writePump(conn *websocket.Conn, client *wshub.Client) {
	defer func() {
		_ = conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbound():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// relay stamps the sender on a call signal, keeps the call ledger in step
// and forwards the envelope to its addressee.
func (h *Handlers) relay(from string, env signaling.Envelope) {
	if !signaling.IsCallSignal(env.Type) {
		h.metrics.SignalsDropped.WithLabelValues(env.Type, "not-relayable").Inc()
		return
	}
	if env.To == "" || env.To == from {
		h.metrics.SignalsDropped.WithLabelValues(env.Type, "unroutable").Inc()
		return
	}
	env.From = from
	now := h.nowFn()

	switch env.Type {
	case signaling.TypeCallOffer:
		if !h.hub.IsOnline(env.To) {
			h.sendReason(from, env.To, signaling.TypeCallUnavailable, reasonOffline)
			h.metrics.SignalsDropped.WithLabelValues(env.Type, reasonOffline).Inc()
			go h.notifyOffline(env.To, from)
			return
		}
		if _, err := h.calls.Offer(from, env.To, now); err != nil {
			if !errors.Is(err, ErrCallBusy) {
				h.logger.Error("call ledger offer failed", "from", from, "to", env.To, "error", err)
			}
			h.sendReason(from, env.To, signaling.TypeCallUnavailable, reasonBusy)
			h.metrics.SignalsDropped.WithLabelValues(env.Type, reasonBusy).Inc()
			return
		}
	case signaling.TypeCallAnswer:
		if _, err := h.calls.Answer(from, env.To, now); err != nil {
			h.logger.Debug("answer without ringing call", "from", from, "to", env.To, "error", err)
		}
	case signaling.TypeCallEnd, signaling.TypeCallReject:
		_, _ = h.calls.End(from, env.To, now)
	}
	h.metrics.ActiveCalls.Set(float64(h.calls.Count()))

	payload, err := signaling.Encode(env)
	if err != nil {
		return
	}
	if !h.hub.SendTo(env.To, payload) {
		h.logger.Debug("ws forward not delivered", "from", from, "to", env.To, "type", env.Type)
		h.metrics.SignalsDropped.WithLabelValues(env.Type, reasonOffline).Inc()
		if env.Type == signaling.TypeCallOffer {
			_, _ = h.calls.End(from, env.To, now)
			h.sendReason(from, env.To, signaling.TypeCallUnavailable, reasonOffline)
		}
		return
	}
	h.metrics.SignalsRelayed.WithLabelValues(env.Type).Inc()
}

// sendReason sends a relay-originated envelope to userID on behalf of
// fromID.
func (h *Handlers) sendReason(userID, fromID, typ, reason string) {
	env := signaling.Envelope{
		Type:    typ,
		From:    fromID,
		To:      userID,
		Payload: signaling.MustPayload(signaling.ReasonPayload{Reason: reason}),
	}
	payload, err := signaling.Encode(env)
	if err != nil {
		return
	}
	if !h.hub.SendTo(userID, payload) {
		h.logger.Debug("relay notice not delivered", "user_id", userID, "type", typ, "reason", reason)
	}
}

func (h *Handlers) endCallsFor(userID, reason string) {
	call, ok := h.calls.EndForUser(userID, h.nowFn())
	if !ok {
		return
	}
	h.logger.Info("call ended by disconnect", "call_id", call.ID, "user_id", userID)
	h.sendReason(call.Other(userID), userID, signaling.TypeCallEnd, reason)
	h.metrics.ActiveCalls.Set(float64(h.calls.Count()))
}

// SweepCalls ends ringing calls nobody answered and active calls past
// their lifetime, telling both parties.
func (h *Handlers) SweepCalls() {
	for _, call := range h.calls.Sweep(h.nowFn()) {
		h.logger.Info("call expired", "call_id", call.ID, "caller_id", call.CallerID, "callee_id", call.CalleeID)
		h.sendReason(call.CallerID, call.CalleeID, signaling.TypeCallEnd, reasonTimeout)
		h.sendReason(call.CalleeID, call.CallerID, signaling.TypeCallEnd, reasonTimeout)
	}
	h.metrics.ActiveCalls.Set(float64(h.calls.Count()))
}

func (h *Handlers) notifyOffline(userID, callerID string) {
	if h.push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	callerName := callerID
	if u, err := h.chats.GetUser(ctx, callerID); err == nil {
		callerName = u.Name
	}
	h.metrics.PushesSent.Inc()
	if err := h.push.NotifyIncomingCall(ctx, userID, callerID, callerName); err != nil {
		h.logger.Warn("incoming call push failed", "user_id", userID, "caller_id", callerID, "error", err)
	}
}
