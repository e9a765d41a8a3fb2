package models

import "strings"

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Audio is a recorded voice note. Data is base64 encoded.
type Audio struct {
	Data     string `json:"audio_data"`
	Duration int    `json:"audio_duration"`
}

// Message is a chat message as exchanged with the backend.
//
// ChatID is the addressee: the recipient's user id for direct messages and
// the group id for group messages.
type Message struct {
	ID         string `json:"id"`
	TempID     string `json:"temp_id,omitempty"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Audio      *Audio `json:"audio,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	IsGroup    bool   `json:"is_group"`
	Pending    bool   `json:"pending,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

// ConversationFor resolves the conversation the message belongs to from the
// point of view of localUserID. Direct conversations are keyed by the other
// party.
func (m Message) ConversationFor(localUserID string) string {
	if m.IsGroup {
		return m.ChatID
	}
	if m.SenderID == localUserID {
		return m.ChatID
	}
	return m.SenderID
}

func (m Message) IsAudio() bool {
	return m.Audio != nil
}

// Preview is the text shown in the conversation list.
func (m Message) Preview() string {
	if m.Audio != nil {
		return "Voice note"
	}
	return strings.TrimSpace(m.Content)
}

// SameContent reports whether two messages carry the same payload.
func (m Message) SameContent(o Message) bool {
	if m.Content != o.Content {
		return false
	}
	if (m.Audio == nil) != (o.Audio == nil) {
		return false
	}
	if m.Audio != nil && (m.Audio.Duration != o.Audio.Duration || len(m.Audio.Data) != len(o.Audio.Data)) {
		return false
	}
	return true
}

type ConversationSummary struct {
	ChatID               string `json:"chat_id"`
	ChatName             string `json:"chat_name"`
	IsGroup              bool   `json:"is_group"`
	LastMessageContent   string `json:"last_message_content"`
	LastMessageTimestamp int64  `json:"last_message_timestamp"`
}

// ActiveConversation is the conversation currently on screen.
type ActiveConversation struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsGroup  bool      `json:"is_group"`
	Messages []Message `json:"messages"`
}
