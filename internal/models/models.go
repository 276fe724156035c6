package models

import "time"

// Message is one chat message. Wire shape and persisted shape are the same.
// Sender, Recipient, Body and Timestamp never change after creation; Read
// only ever flips false -> true.
type Message struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	ChatID     string    `gorm:"size:390;index" json:"chatId,omitempty"`
	Sender     string    `gorm:"size:190;not null;index:idx_chat_messages_pair,priority:1" json:"sender"`
	Recipient  string    `gorm:"size:190;not null;index:idx_chat_messages_pair,priority:2" json:"recipient"`
	Body       string    `gorm:"column:message;type:text;not null" json:"message"`
	JobContext string    `gorm:"size:255" json:"jobContext,omitempty"`
	Timestamp  time.Time `gorm:"index;not null" json:"timestamp"`
	Read       bool      `gorm:"not null;default:false" json:"read"`
}

func (Message) TableName() string { return "chat_messages" }

// ChatSummary is the denormalized last-message record per room, keyed by the
// deterministic chat id. Upserted on every send; CreatedAt is written on
// insert only.
type ChatSummary struct {
	ChatID          string    `gorm:"primaryKey;size:390" json:"chatId"`
	ParticipantA    string    `gorm:"size:190;not null;index" json:"participantA"`
	ParticipantB    string    `gorm:"size:190;not null;index" json:"participantB"`
	LastMessage     string    `gorm:"type:text" json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	JobContext      string    `gorm:"size:255" json:"jobContext,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (ChatSummary) TableName() string { return "chats" }
