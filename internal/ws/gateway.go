package ws

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Arthurb-96/Looking/internal/models"
	"github.com/Arthurb-96/Looking/internal/protocol"
	"github.com/Arthurb-96/Looking/internal/store"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const storeTimeout = 10 * time.Second

// room is the in-memory cache for one conversation. Authoritative state
// lives in the store; this cache keeps live chat working when the store is
// down and feeds unread counts and the chat list.
type room struct {
	users    [2]string
	messages []models.Message
	subs     map[*Client]struct{}
}

func (r *room) hasUser(email string) bool {
	return r.users[0] == email || r.users[1] == email
}

// Gateway routes protocol events between connections and owns all shared
// chat state. Presence and room caches are mutated only under mu, which is
// also the per-room FIFO point: broadcasts are enqueued while holding it.
type Gateway struct {
	mu           sync.RWMutex
	store        store.MessageStore
	historyLimit int

	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{} // personal channels, keyed by identity
	rooms   map[string]*room
}

func NewGateway(st store.MessageStore, historyLimit int) *Gateway {
	return &Gateway{
		store:        st,
		historyLimit: historyLimit,
		clients:      map[*Client]struct{}{},
		users:        map[string]map[*Client]struct{}{},
		rooms:        map[string]*room{},
	}
}

// AddClient registers a freshly accepted connection. identity comes from
// the verified handshake token; presence is only established once the
// client sends user_join.
func (g *Gateway) AddClient(identity string, conn *websocket.Conn) *Client {
	c := newClient(identity, conn)

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	return c
}

// Disconnect tears a connection down: room subscriptions and presence go
// away, and if this was the identity's last connection everyone else gets
// user_offline.
func (g *Gateway) Disconnect(c *Client) {
	// unregister first: once the client is out of every map no new
	// broadcast can pick it up, so cancelling afterwards cannot race one
	g.mu.Lock()
	delete(g.clients, c)
	for _, r := range g.rooms {
		delete(r.subs, c)
	}

	wentOffline := false
	if c.joined {
		if set, ok := g.users[c.identity]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(g.users, c.identity)
				wentOffline = true
			}
		}
	}

	if wentOffline {
		ev := protocol.NewEvent(protocol.EventUserOffline, c.identity)
		for other := range g.clients {
			g.deliver(other, ev)
		}
	}
	g.mu.Unlock()

	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Dispatch routes one inbound frame. Malformed or out-of-order frames are
// logged and dropped; they never kill the connection.
func (g *Gateway) Dispatch(c *Client, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventUserJoin:
		g.handleUserJoin(c, ev)
	case protocol.EventJoinChat:
		g.handleJoinChat(c, ev)
	case protocol.EventSendMessage:
		g.handleSendMessage(c, ev)
	case protocol.EventMarkRead:
		g.handleMarkRead(c, ev)
	case protocol.EventGetUnreadCount:
		g.handleUnreadCount(c)
	case protocol.EventGetChatList:
		g.handleChatList(c)
	case protocol.EventTypingStart:
		g.handleTyping(c, ev, protocol.EventUserTyping)
	case protocol.EventTypingStop:
		g.handleTyping(c, ev, protocol.EventUserStopTyping)
	default:
		log.Println("ws: drop unknown event:", ev.Type)
	}
}

func (g *Gateway) handleUserJoin(c *Client, ev protocol.Event) {
	claimed, err := protocol.DecodeUserIdentity(ev)
	if err != nil {
		log.Println("ws: drop user_join:", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if c.identity == "" {
		// connection was accepted without a token-pinned identity
		c.identity = claimed
	} else if claimed != c.identity {
		log.Printf("ws: user_join claimed %q, keeping pinned identity %q", claimed, c.identity)
	}

	if c.joined {
		return // repeat user_join on the same connection is a no-op
	}
	c.joined = true

	if g.users[c.identity] == nil {
		g.users[c.identity] = map[*Client]struct{}{}
	}
	g.users[c.identity][c] = struct{}{}

	online := protocol.NewEvent(protocol.EventUserOnline, c.identity)
	for other := range g.clients {
		if other != c {
			g.deliver(other, online)
		}
	}
}

func (g *Gateway) handleJoinChat(c *Client, ev protocol.Event) {
	p, err := protocol.DecodeJoinChat(ev)
	if err != nil {
		log.Println("ws: drop join_chat:", err)
		return
	}

	roomID := protocol.RoomID(p.User1, p.User2)

	g.mu.Lock()
	r := g.roomLocked(roomID, p.User1, p.User2)
	r.subs[c] = struct{}{}
	cached := append([]models.Message(nil), r.messages...)
	g.mu.Unlock()

	history := cached
	if g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		fetched, err := g.store.History(ctx, p.User1, p.User2, g.historyLimit)
		cancel()
		if err != nil {
			// store down: fall back to whatever is cached in memory
			log.Println("ws: chat history fetch:", err)
		} else {
			g.mu.Lock()
			r.messages = fetched
			g.mu.Unlock()
			history = fetched
		}
	}
	if history == nil {
		history = []models.Message{}
	}

	g.deliver(c, protocol.NewEvent(protocol.EventChatHistory, history))
}

func (g *Gateway) handleSendMessage(c *Client, ev protocol.Event) {
	p, err := protocol.DecodeSendMessage(ev)
	if err != nil {
		log.Println("ws: drop send_message:", err)
		return
	}

	body := strings.TrimSpace(p.Message)
	if body == "" {
		return
	}

	g.mu.Lock()
	if !c.joined {
		g.mu.Unlock()
		log.Println("ws: drop send_message before user_join")
		return
	}
	// the sender is whoever this connection authenticated as, not whatever
	// the payload claims
	sender := c.identity

	roomID := protocol.RoomID(sender, p.Recipient)
	r := g.roomLocked(roomID, sender, p.Recipient)

	msg := models.Message{
		ID:         uuid.NewString(),
		ChatID:     roomID,
		Sender:     sender,
		Recipient:  p.Recipient,
		Body:       body,
		JobContext: p.JobContext,
		Timestamp:  time.Now().UTC(),
		Read:       false,
	}
	r.messages = append(r.messages, msg)

	out := protocol.NewEvent(protocol.EventReceiveMessage, msg)
	for sub := range r.subs {
		g.deliver(sub, out)
	}

	notif := protocol.NewEvent(protocol.EventNotification, protocol.NotificationPayload{
		Sender:     sender,
		Message:    protocol.TruncateBody(body),
		Timestamp:  msg.Timestamp,
		JobContext: p.JobContext,
	})
	for conn := range g.users[p.Recipient] {
		g.deliver(conn, notif)
	}
	g.mu.Unlock()

	// durability is best effort and never blocks the broadcast
	go g.persist(msg)
}

func (g *Gateway) persist(msg models.Message) {
	if g.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := g.store.InsertMessage(ctx, &msg); err != nil {
		log.Println("ws: persist message:", err)
	}

	pair := []string{msg.Sender, msg.Recipient}
	sort.Strings(pair)
	sum := models.ChatSummary{
		ChatID:          msg.ChatID,
		ParticipantA:    pair[0],
		ParticipantB:    pair[1],
		LastMessage:     msg.Body,
		LastMessageTime: msg.Timestamp,
		JobContext:      msg.JobContext,
	}
	if err := g.store.UpsertSummary(ctx, &sum); err != nil {
		log.Println("ws: upsert chat summary:", err)
	}
}

func (g *Gateway) handleMarkRead(c *Client, ev protocol.Event) {
	p, err := protocol.DecodeMarkRead(ev)
	if err != nil {
		log.Println("ws: drop mark_read:", err)
		return
	}

	g.mu.Lock()
	if !c.joined {
		g.mu.Unlock()
		log.Println("ws: drop mark_read before user_join")
		return
	}
	reader := c.identity

	r, ok := g.rooms[p.ChatRoom]
	if !ok {
		g.mu.Unlock()
		return
	}

	for i := range r.messages {
		if r.messages[i].Recipient == reader {
			r.messages[i].Read = true
		}
	}

	out := protocol.NewEvent(protocol.EventMessagesRead, protocol.MessagesReadPayload{Reader: reader})
	for sub := range r.subs {
		if sub != c {
			g.deliver(sub, out)
		}
	}
	g.mu.Unlock()

	if g.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if _, err := g.store.MarkRead(ctx, p.ChatRoom, reader); err != nil {
				log.Println("ws: persist mark_read:", err)
			}
		}()
	}
}

func (g *Gateway) handleUnreadCount(c *Client) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !c.joined {
		return
	}

	count := 0
	for _, r := range g.rooms {
		if !r.hasUser(c.identity) {
			continue
		}
		for _, m := range r.messages {
			if m.Recipient == c.identity && !m.Read {
				count++
			}
		}
	}

	g.deliver(c, protocol.NewEvent(protocol.EventUnreadCount, count))
}

func (g *Gateway) handleChatList(c *Client) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !c.joined {
		return
	}

	entries := []protocol.ChatListEntry{}
	for name, r := range g.rooms {
		if !r.hasUser(c.identity) {
			continue
		}

		other := r.users[0]
		if other == c.identity {
			other = r.users[1]
		}

		entry := protocol.ChatListEntry{
			RoomName:  name,
			OtherUser: other,
		}
		for _, m := range r.messages {
			if m.Recipient == c.identity && !m.Read {
				entry.UnreadCount++
			}
		}
		if n := len(r.messages); n > 0 {
			last := r.messages[n-1]
			entry.LastMessage = &protocol.LastMessage{
				Text:      last.Body,
				Timestamp: last.Timestamp,
				Sender:    last.Sender,
			}
		}
		entries = append(entries, entry)
	}

	// most recent conversation first; rooms with no messages at the end
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].LastMessage, entries[j].LastMessage
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.Timestamp.After(b.Timestamp)
	})

	g.deliver(c, protocol.NewEvent(protocol.EventChatList, entries))
}

func (g *Gateway) handleTyping(c *Client, ev protocol.Event, outType string) {
	p, err := protocol.DecodeTyping(ev)
	if err != nil {
		log.Println("ws: drop typing:", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !c.joined {
		return
	}

	r, ok := g.rooms[p.ChatRoom]
	if !ok {
		return
	}

	out := protocol.NewEvent(outType, c.identity)
	for sub := range r.subs {
		if sub != c {
			g.deliver(sub, out)
		}
	}
}

func (g *Gateway) roomLocked(roomID, userA, userB string) *room {
	r, ok := g.rooms[roomID]
	if !ok {
		pair := []string{userA, userB}
		sort.Strings(pair)
		r = &room{
			users: [2]string{pair[0], pair[1]},
			subs:  map[*Client]struct{}{},
		}
		g.rooms[roomID] = r
	}
	return r
}

func (g *Gateway) deliver(c *Client, ev protocol.Event) {
	select {
	case c.Send <- ev:
	default:
		// channel penuh → drop (atau bisa kamu ubah jadi strategy lain)
	}
}
