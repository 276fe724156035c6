// Package client holds the browser-side chat logic: a per-conversation
// Controller and the cross-conversation notification Aggregator.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Arthurb-96/Looking/internal/models"
	"github.com/Arthurb-96/Looking/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	reconnectAttempts = 5
	reconnectDelay    = time.Second
	typingIdle        = time.Second
	writeTimeout      = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Controller drives one open conversation: it connects, keeps the local
// message list current, relays typing state and acknowledges reads. A
// transport drop triggers bounded reconnects with a fixed delay.
type Controller struct {
	baseURL    string
	token      string
	localUser  string
	recipient  string
	jobContext string

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	messages    []models.Message
	typing      bool
	peerTyping  bool
	typingTimer *time.Timer
	idle        time.Duration
	retryDelay  time.Duration

	// sendFn lets tests capture outbound events
	sendFn func(protocol.Event) error

	OnMessages   func([]models.Message)
	OnPeerTyping func(bool)
	OnState      func(State)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewController(baseURL, token, localUser, recipient, jobContext string) *Controller {
	c := &Controller{
		baseURL:    baseURL,
		token:      token,
		localUser:  localUser,
		recipient:  recipient,
		jobContext: jobContext,
		idle:       typingIdle,
		retryDelay: reconnectDelay,
	}
	c.sendFn = c.writeEvent
	return c
}

// Connect starts the connection loop and returns once the first dial
// attempt resolves. Reconnects keep running in the background until Close
// or the retry budget runs out.
func (c *Controller) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		go c.reconnectLoop()
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (c *Controller) dial() error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(c.ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/ws?token=%s", c.baseURL, c.token)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	// announce presence, then open the room
	_ = c.sendFn(protocol.NewEvent(protocol.EventUserJoin, c.localUser))
	_ = c.sendFn(protocol.NewEvent(protocol.EventJoinChat, protocol.JoinChatPayload{
		User1: c.localUser,
		User2: c.recipient,
	}))

	return nil
}

func (c *Controller) reconnectLoop() {
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}

		if err := c.dial(); err == nil {
			c.readLoop()
			return
		}
	}
	c.setState(StateDisconnected)
}

func (c *Controller) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var ev protocol.Event
		if err := wsjson.Read(c.ctx, conn, &ev); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			c.reconnectLoop()
			return
		}
		c.handleEvent(ev)
	}
}

func (c *Controller) handleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventChatHistory:
		msgs, err := protocol.DecodeMessages(ev)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.messages = msgs
		c.mu.Unlock()
		c.notifyMessages()
		c.sendMarkRead()

	case protocol.EventReceiveMessage:
		var msg models.Message
		if err := ev.Decode(&msg); err != nil {
			return
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
		c.notifyMessages()
		if msg.Recipient == c.localUser {
			c.sendMarkRead()
		}

	case protocol.EventUserTyping:
		if who, err := protocol.DecodeUserIdentity(ev); err == nil && who == c.recipient {
			c.setPeerTyping(true)
		}

	case protocol.EventUserStopTyping:
		if who, err := protocol.DecodeUserIdentity(ev); err == nil && who == c.recipient {
			c.setPeerTyping(false)
		}

	case protocol.EventMessagesRead:
		var p protocol.MessagesReadPayload
		if err := ev.Decode(&p); err != nil || p.Reader != c.recipient {
			return
		}
		c.mu.Lock()
		for i := range c.messages {
			if c.messages[i].Sender == c.localUser {
				c.messages[i].Read = true
			}
		}
		c.mu.Unlock()
		c.notifyMessages()
	}
}

// SendMessage emits the trimmed body. Blank input or a dead transport make
// it a no-op, never an error the UI has to render.
func (c *Controller) SendMessage(text string) {
	body := strings.TrimSpace(text)
	if body == "" || c.State() != StateConnected {
		return
	}

	_ = c.sendFn(protocol.NewEvent(protocol.EventSendMessage, protocol.SendMessagePayload{
		Recipient:  c.recipient,
		Message:    body,
		Sender:     c.localUser,
		JobContext: c.jobContext,
	}))

	c.stopTyping()
}

// InputChanged is called on every keystroke. The first one emits
// typing_start; the idle timer auto-emits typing_stop.
func (c *Controller) InputChanged() {
	c.mu.Lock()
	first := !c.typing
	c.typing = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.idle, c.stopTyping)
	c.mu.Unlock()

	if first {
		_ = c.sendFn(protocol.NewEvent(protocol.EventTypingStart, protocol.TypingPayload{
			ChatRoom:  c.roomID(),
			UserEmail: c.localUser,
		}))
	}
}

func (c *Controller) stopTyping() {
	c.mu.Lock()
	wasTyping := c.typing
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	if wasTyping {
		_ = c.sendFn(protocol.NewEvent(protocol.EventTypingStop, protocol.TypingPayload{
			ChatRoom:  c.roomID(),
			UserEmail: c.localUser,
		}))
	}
}

func (c *Controller) sendMarkRead() {
	_ = c.sendFn(protocol.NewEvent(protocol.EventMarkRead, protocol.MarkReadPayload{
		ChatRoom:  c.roomID(),
		UserEmail: c.localUser,
	}))
}

// Messages returns a snapshot of the local message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Recipient() string { return c.recipient }

func (c *Controller) roomID() string {
	return protocol.RoomID(c.localUser, c.recipient)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.OnState
	c.mu.Unlock()

	if changed && cb != nil {
		cb(s)
	}
}

func (c *Controller) setPeerTyping(v bool) {
	c.mu.Lock()
	changed := c.peerTyping != v
	c.peerTyping = v
	cb := c.OnPeerTyping
	c.mu.Unlock()

	if changed && cb != nil {
		cb(v)
	}
}

func (c *Controller) notifyMessages() {
	c.mu.Lock()
	cb := c.OnMessages
	msgs := append([]models.Message(nil), c.messages...)
	c.mu.Unlock()

	if cb != nil {
		cb(msgs)
	}
}

func (c *Controller) writeEvent(ev protocol.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
