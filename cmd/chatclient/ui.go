package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/slasso10/chat-multiple/internal/models"
)

// terminalUI prints conversations and call events as plain lines.
type terminalUI struct {
	mu     sync.Mutex
	out    io.Writer
	logger *slog.Logger
}

func newTerminalUI(out io.Writer, logger *slog.Logger) *terminalUI {
	return &terminalUI{out: out, logger: logger}
}

func (u *terminalUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *terminalUI) RenderActiveConversation(conv models.ActiveConversation) {
	kind := "direct"
	if conv.IsGroup {
		kind = "group"
	}
	u.printf("== %s (%s, %d messages) ==", conv.Name, kind, len(conv.Messages))
	for _, msg := range conv.Messages {
		u.printf("%s", formatMessage(msg))
	}
}

func (u *terminalUI) AppendRenderedMessage(msg models.Message) {
	u.printf("%s", formatMessage(msg))
}

func (u *terminalUI) RenderConversationList(list []models.ConversationSummary) {
	u.printf("-- %d conversations --", len(list))
	for _, s := range list {
		marker := " "
		if s.IsGroup {
			marker = "#"
		}
		u.printf("%s %-20s %-12s %s", marker, s.ChatName, s.ChatID, s.LastMessageContent)
	}
}

func (u *terminalUI) OnCallStateChange(event models.CallEvent, info models.SessionInfo) {
	peer := info.PeerName
	if peer == "" {
		peer = info.PeerID
	}
	line := fmt.Sprintf("[call] %s with %s (%s)", event, peer, info.State)
	if info.Reason != "" {
		line += ": " + info.Reason
	}
	u.printf("%s", line)
	if event == models.CallEventIncoming {
		u.printf("[call] /accept or /reject")
	}
}

func (u *terminalUI) ReportError(op string, err error) {
	u.logger.Warn("operation failed", "op", op, "error", err)
	u.printf("! %s: %v", op, err)
}

func formatMessage(msg models.Message) string {
	ts := models.FormatTimestamp(msg.Timestamp, time.Now())
	body := msg.Content
	if msg.Audio != nil {
		body = fmt.Sprintf("[voice note, %ds]", msg.Audio.Duration)
	}
	status := ""
	switch {
	case msg.Failed:
		status = " (failed)"
	case msg.Pending:
		status = " (sending)"
	}
	return fmt.Sprintf("%s %s: %s%s", ts, msg.SenderName, body, status)
}
