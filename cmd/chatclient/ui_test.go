package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/slasso10/chat-multiple/internal/models"
)

func TestFormatMessage(t *testing.T) {
	now := time.Now()
	msg := models.Message{SenderName: "Alice", Content: "hi", Timestamp: now.UnixMilli(), Pending: true}
	got := formatMessage(msg)
	if !strings.HasSuffix(got, "Alice: hi (sending)") {
		t.Fatalf("unexpected line %q", got)
	}

	msg = models.Message{SenderName: "Bob", Audio: &models.Audio{Data: "AAAA", Duration: 4}, Timestamp: now.UnixMilli()}
	if got := formatMessage(msg); !strings.Contains(got, "Bob: [voice note, 4s]") {
		t.Fatalf("unexpected audio line %q", got)
	}
}

func TestTerminalUICallEvents(t *testing.T) {
	var out bytes.Buffer
	ui := newTerminalUI(&out, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ui.OnCallStateChange(models.CallEventIncoming, models.SessionInfo{
		PeerID:    "bob",
		Direction: models.CallIncoming,
		State:     models.CallStateRinging,
	})
	ui.OnCallStateChange(models.CallEventRejected, models.SessionInfo{
		PeerID:   "bob",
		PeerName: "Bob",
		State:    models.CallStateIdle,
		Reason:   "busy",
	})

	text := out.String()
	for _, want := range []string{"[call] incoming with bob (ringing)", "/accept or /reject", "[call] rejected with Bob (idle): busy"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in output:\n%s", want, text)
		}
	}
}
