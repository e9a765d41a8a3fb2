package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Persistent rows owned by the chat backend.

type UserRecord struct {
	ID        string `gorm:"type:varchar(64);primaryKey"`
	Name      string `gorm:"type:varchar(100);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserRecord) TableName() string { return "users" }

func (u UserRecord) ToUser() User {
	return User{ID: u.ID, Name: u.Name}
}

type GroupRecord struct {
	ID        string              `gorm:"type:varchar(64);primaryKey"`
	Name      string              `gorm:"type:varchar(100);not null"`
	OwnerID   string              `gorm:"type:varchar(64);not null;index"`
	CreatedAt int64               `gorm:"autoCreateTime:milli;not null"`
	Members   []GroupMemberRecord `gorm:"foreignKey:GroupID"`
}

func (GroupRecord) TableName() string { return "chat_groups" }

type GroupMemberRecord struct {
	GroupID string `gorm:"type:varchar(64);primaryKey"`
	UserID  string `gorm:"type:varchar(64);primaryKey;index"`
}

func (GroupMemberRecord) TableName() string { return "group_members" }

// MessageRecord stores both direct and group messages. ChatKey is the
// order-independent pair key for direct chats and the group id otherwise.
type MessageRecord struct {
	ID            string `gorm:"type:varchar(32);primaryKey"`
	ChatKey       string `gorm:"type:varchar(140);not null;index:idx_messages_chat_ts,priority:1"`
	ChatID        string `gorm:"type:varchar(64);not null"`
	SenderID      string `gorm:"type:varchar(64);not null"`
	SenderName    string `gorm:"type:varchar(100)"`
	Content       string `gorm:"type:text"`
	AudioData     string `gorm:"type:text"`
	AudioDuration int
	IsAudio       bool
	IsGroup       bool  `gorm:"not null;default:false"`
	Timestamp     int64 `gorm:"not null;index:idx_messages_chat_ts,priority:2"`
}

func (MessageRecord) TableName() string { return "messages" }

func (m MessageRecord) ToMessage() Message {
	msg := Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		IsGroup:    m.IsGroup,
	}
	if m.IsAudio {
		msg.Audio = &Audio{Data: m.AudioData, Duration: m.AudioDuration}
	}
	return msg
}

type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
