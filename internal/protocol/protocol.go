// Package protocol defines the chat session protocol: the closed set of
// named events exchanged between client and gateway, their payload shapes,
// and the deterministic room naming scheme.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Arthurb-96/Looking/internal/models"
)

// Client -> server events.
const (
	EventUserJoin       = "user_join"
	EventJoinChat       = "join_chat"
	EventSendMessage    = "send_message"
	EventMarkRead       = "mark_read"
	EventGetUnreadCount = "get_unread_count"
	EventGetChatList    = "get_chat_list"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
)

// Server -> client events.
const (
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventChatHistory    = "chat_history"
	EventReceiveMessage = "receive_message"
	EventNotification   = "new_message_notification"
	EventMessagesRead   = "messages_read"
	EventUnreadCount    = "unread_count"
	EventChatList       = "chat_list"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
)

// NotificationBodyLimit caps the message preview carried on a
// new_message_notification.
const NotificationBodyLimit = 50

var ErrBadPayload = errors.New("bad payload")

// Event is one frame on the wire. Data stays raw until the receiver knows
// the type, so payloads are validated before dispatch instead of being
// shuttled around as loose maps.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(typ string, data interface{}) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		// payloads are plain structs and strings; this cannot fail for them
		raw = nil
	}
	return Event{Type: typ, Data: raw}
}

func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrBadPayload)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

type JoinChatPayload struct {
	User1 string `json:"user1"`
	User2 string `json:"user2"`
}

type SendMessagePayload struct {
	Recipient  string `json:"recipient"`
	Message    string `json:"message"`
	Sender     string `json:"sender,omitempty"` // informational; the gateway trusts the connection identity
	JobContext string `json:"jobContext,omitempty"`
}

type MarkReadPayload struct {
	ChatRoom  string `json:"chatRoom"`
	UserEmail string `json:"userEmail"`
}

type TypingPayload struct {
	ChatRoom  string `json:"chatRoom"`
	UserEmail string `json:"userEmail"`
}

type MessagesReadPayload struct {
	Reader string `json:"reader"`
}

type NotificationPayload struct {
	Sender     string    `json:"sender"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	JobContext string    `json:"jobContext,omitempty"`
}

// LastMessage is the preview embedded in a chat list entry.
type LastMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
}

type ChatListEntry struct {
	RoomName    string       `json:"roomName"`
	OtherUser   string       `json:"otherUser"`
	LastMessage *LastMessage `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
}

// DecodeUserIdentity handles the events whose payload is a bare identity
// string (user_join, get_unread_count, get_chat_list, user_online, ...).
func DecodeUserIdentity(e Event) (string, error) {
	var s string
	if err := e.Decode(&s); err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty identity", ErrBadPayload)
	}
	return s, nil
}

func DecodeJoinChat(e Event) (JoinChatPayload, error) {
	var p JoinChatPayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.User1 == "" || p.User2 == "" {
		return p, fmt.Errorf("%w: join_chat needs both users", ErrBadPayload)
	}
	return p, nil
}

func DecodeSendMessage(e Event) (SendMessagePayload, error) {
	var p SendMessagePayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.Recipient == "" {
		return p, fmt.Errorf("%w: send_message needs a recipient", ErrBadPayload)
	}
	return p, nil
}

func DecodeMarkRead(e Event) (MarkReadPayload, error) {
	var p MarkReadPayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.ChatRoom == "" {
		return p, fmt.Errorf("%w: mark_read needs a chat room", ErrBadPayload)
	}
	return p, nil
}

func DecodeTyping(e Event) (TypingPayload, error) {
	var p TypingPayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.ChatRoom == "" {
		return p, fmt.Errorf("%w: typing needs a chat room", ErrBadPayload)
	}
	return p, nil
}

func DecodeMessages(e Event) ([]models.Message, error) {
	var msgs []models.Message
	if err := e.Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RoomID derives the room name for a user pair. Sorting first makes it the
// same no matter which side initiates.
func RoomID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// TruncateBody shortens a message body for notification previews.
func TruncateBody(body string) string {
	runes := []rune(body)
	if len(runes) <= NotificationBodyLimit {
		return body
	}
	return string(runes[:NotificationBodyLimit]) + "..."
}
