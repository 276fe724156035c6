package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Arthurb-96/Looking/internal/models"
	"github.com/Arthurb-96/Looking/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records writes; set fail to simulate a store outage.
type fakeStore struct {
	mu        sync.Mutex
	fail      bool
	inserted  []models.Message
	summaries map[string]models.ChatSummary
	markReads []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{summaries: map[string]models.ChatSummary{}}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) InsertMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errStoreDown
	}
	f.inserted = append(f.inserted, *msg)
	return nil
}

func (f *fakeStore) History(_ context.Context, userA, userB string, _ int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errStoreDown
	}
	var out []models.Message
	for _, m := range f.inserted {
		if (m.Sender == userA && m.Recipient == userB) || (m.Sender == userB && m.Recipient == userA) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MessagesByChatID(_ context.Context, chatID string, _ int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errStoreDown
	}
	var out []models.Message
	for _, m := range f.inserted {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertSummary(_ context.Context, s *models.ChatSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errStoreDown
	}
	f.summaries[s.ChatID] = *s
	return nil
}

func (f *fakeStore) MarkRead(_ context.Context, chatID, recipient string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errStoreDown
	}
	f.markReads = append(f.markReads, chatID+"|"+recipient)
	return 0, nil
}

func (f *fakeStore) ListSummaries(_ context.Context, _ string) ([]models.ChatSummary, error) {
	return nil, nil
}

func (f *fakeStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// join connects a test client and registers presence.
func join(g *Gateway, email string) *Client {
	c := g.AddClient(email, nil)
	g.Dispatch(c, protocol.NewEvent(protocol.EventUserJoin, email))
	return c
}

func joinChat(g *Gateway, c *Client, user1, user2 string) {
	g.Dispatch(c, protocol.NewEvent(protocol.EventJoinChat, protocol.JoinChatPayload{
		User1: user1,
		User2: user2,
	}))
}

func send(g *Gateway, c *Client, recipient, body string) {
	g.Dispatch(c, protocol.NewEvent(protocol.EventSendMessage, protocol.SendMessagePayload{
		Recipient: recipient,
		Message:   body,
	}))
}

// drain pulls every queued event off a test client.
func drain(c *Client) []protocol.Event {
	var evs []protocol.Event
	for {
		select {
		case ev := <-c.Send:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfType(evs []protocol.Event, typ string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestUserJoinIdempotent(t *testing.T) {
	g := NewGateway(nil, 100)

	other := join(g, "bob@x.com")
	a := g.AddClient("alice@x.com", nil)

	g.Dispatch(a, protocol.NewEvent(protocol.EventUserJoin, "alice@x.com"))
	g.Dispatch(a, protocol.NewEvent(protocol.EventUserJoin, "alice@x.com"))

	g.mu.RLock()
	assert.Len(t, g.users["alice@x.com"], 1)
	g.mu.RUnlock()

	// second join must not broadcast user_online again
	online := eventsOfType(drain(other), protocol.EventUserOnline)
	assert.Len(t, online, 1)
}

func TestUserJoinKeepsPinnedIdentity(t *testing.T) {
	g := NewGateway(nil, 100)

	c := g.AddClient("alice@x.com", nil)
	g.Dispatch(c, protocol.NewEvent(protocol.EventUserJoin, "mallory@x.com"))

	g.mu.RLock()
	defer g.mu.RUnlock()
	assert.Len(t, g.users["alice@x.com"], 1)
	assert.Empty(t, g.users["mallory@x.com"])
}

func TestSendMessageBroadcastAndNotification(t *testing.T) {
	g := NewGateway(newFakeStore(), 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, a, "alice@x.com", "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(a)
	drain(b)

	send(g, a, "bob@x.com", "hi")

	bEvents := drain(b)

	received := eventsOfType(bEvents, protocol.EventReceiveMessage)
	require.Len(t, received, 1)
	var msg models.Message
	require.NoError(t, received[0].Decode(&msg))
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "alice@x.com", msg.Sender)
	assert.Equal(t, "bob@x.com", msg.Recipient)
	assert.False(t, msg.Read)
	assert.NotEmpty(t, msg.ID)

	notifs := eventsOfType(bEvents, protocol.EventNotification)
	require.Len(t, notifs, 1)
	var n protocol.NotificationPayload
	require.NoError(t, notifs[0].Decode(&n))
	assert.Equal(t, "hi", n.Message)
	assert.Equal(t, "alice@x.com", n.Sender)

	// the sender sees their own message echoed to the room
	aReceived := eventsOfType(drain(a), protocol.EventReceiveMessage)
	assert.Len(t, aReceived, 1)
}

func TestNotificationReachesClosedConversation(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	joinChat(g, a, "alice@x.com", "bob@x.com")
	// bob is online but has no conversation view open
	b := join(g, "bob@x.com")
	drain(b)

	send(g, a, "bob@x.com", "hello there")

	bEvents := drain(b)
	assert.Empty(t, eventsOfType(bEvents, protocol.EventReceiveMessage))
	require.Len(t, eventsOfType(bEvents, protocol.EventNotification), 1)
}

func TestNotificationBodyTruncated(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	drain(b)

	long := strings.Repeat("a", 80)
	send(g, a, "bob@x.com", long)

	notifs := eventsOfType(drain(b), protocol.EventNotification)
	require.Len(t, notifs, 1)
	var n protocol.NotificationPayload
	require.NoError(t, notifs[0].Decode(&n))
	assert.Equal(t, strings.Repeat("a", 50)+"...", n.Message)
}

func TestRoomBroadcastFIFO(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(b)

	for i := 0; i < 10; i++ {
		send(g, a, "bob@x.com", fmt.Sprintf("msg %d", i))
	}

	received := eventsOfType(drain(b), protocol.EventReceiveMessage)
	require.Len(t, received, 10)
	for i, ev := range received {
		var msg models.Message
		require.NoError(t, ev.Decode(&msg))
		assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Body)
	}
}

func TestEmptyBodyIsNoOp(t *testing.T) {
	st := newFakeStore()
	g := NewGateway(st, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(b)

	send(g, a, "bob@x.com", "")
	send(g, a, "bob@x.com", "   \t\n")

	assert.Empty(t, drain(b))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, st.insertedCount())
}

func TestSendBeforeUserJoinDropped(t *testing.T) {
	g := NewGateway(nil, 100)

	b := join(g, "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(b)

	stranger := g.AddClient("alice@x.com", nil)
	send(g, stranger, "bob@x.com", "hi")

	assert.Empty(t, eventsOfType(drain(b), protocol.EventReceiveMessage))
}

func TestSendMessagePersistsAsync(t *testing.T) {
	st := newFakeStore()
	g := NewGateway(st, 100)

	a := join(g, "alice@x.com")
	join(g, "bob@x.com")

	send(g, a, "bob@x.com", "durable?")

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.inserted) == 1 && len(st.summaries) == 1
	}, time.Second, 10*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	msg := st.inserted[0]
	assert.Equal(t, "durable?", msg.Body)
	assert.Equal(t, protocol.RoomID("alice@x.com", "bob@x.com"), msg.ChatID)

	sum, ok := st.summaries[msg.ChatID]
	require.True(t, ok)
	assert.Equal(t, "durable?", sum.LastMessage)
	assert.Equal(t, "alice@x.com", sum.ParticipantA)
	assert.Equal(t, "bob@x.com", sum.ParticipantB)
}

func TestStoreOutageKeepsChatAlive(t *testing.T) {
	st := newFakeStore()
	st.fail = true
	g := NewGateway(st, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(b)

	// broadcast is unaffected by the failing store
	send(g, a, "bob@x.com", "still here")
	require.Len(t, eventsOfType(drain(b), protocol.EventReceiveMessage), 1)

	// a later join_chat falls back to the in-memory cache
	c := join(g, "bob@x.com")
	joinChat(g, c, "bob@x.com", "alice@x.com")

	history := eventsOfType(drain(c), protocol.EventChatHistory)
	require.Len(t, history, 1)
	msgs, err := protocol.DecodeMessages(history[0])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "still here", msgs[0].Body)
}

func TestJoinChatLoadsHistoryFromStore(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st.inserted = []models.Message{
		{ID: "m1", Sender: "alice@x.com", Recipient: "bob@x.com", Body: "old one", Timestamp: base},
		{ID: "m2", Sender: "bob@x.com", Recipient: "alice@x.com", Body: "old two", Timestamp: base.Add(time.Minute)},
	}
	g := NewGateway(st, 100)

	b := join(g, "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")

	history := eventsOfType(drain(b), protocol.EventChatHistory)
	require.Len(t, history, 1)
	msgs, err := protocol.DecodeMessages(history[0])
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "old one", msgs[0].Body)
	assert.Equal(t, "old two", msgs[1].Body)
}

func TestMarkRead(t *testing.T) {
	st := newFakeStore()
	g := NewGateway(st, 100)
	room := protocol.RoomID("alice@x.com", "bob@x.com")

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, a, "alice@x.com", "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(a)
	drain(b)

	send(g, a, "bob@x.com", "one")
	send(g, a, "bob@x.com", "two")
	drain(a)
	drain(b)

	g.Dispatch(b, protocol.NewEvent(protocol.EventMarkRead, protocol.MarkReadPayload{
		ChatRoom:  room,
		UserEmail: "bob@x.com",
	}))

	// cached copies flipped, only for bob's inbox
	g.mu.RLock()
	for _, m := range g.rooms[room].messages {
		assert.Equal(t, m.Recipient == "bob@x.com", m.Read)
	}
	g.mu.RUnlock()

	// alice learns bob read her messages; bob gets no echo
	aRead := eventsOfType(drain(a), protocol.EventMessagesRead)
	require.Len(t, aRead, 1)
	var p protocol.MessagesReadPayload
	require.NoError(t, aRead[0].Decode(&p))
	assert.Equal(t, "bob@x.com", p.Reader)
	assert.Empty(t, eventsOfType(drain(b), protocol.EventMessagesRead))

	// the update-many reaches the store
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.markReads) == 1 && st.markReads[0] == room+"|bob@x.com"
	}, time.Second, 10*time.Millisecond)
}

func TestReadNeverReverts(t *testing.T) {
	g := NewGateway(nil, 100)
	room := protocol.RoomID("alice@x.com", "bob@x.com")

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	send(g, a, "bob@x.com", "one")

	g.Dispatch(b, protocol.NewEvent(protocol.EventMarkRead, protocol.MarkReadPayload{ChatRoom: room, UserEmail: "bob@x.com"}))
	g.Dispatch(b, protocol.NewEvent(protocol.EventMarkRead, protocol.MarkReadPayload{ChatRoom: room, UserEmail: "bob@x.com"}))

	g.mu.RLock()
	defer g.mu.RUnlock()
	require.Len(t, g.rooms[room].messages, 1)
	assert.True(t, g.rooms[room].messages[0].Read)
}

func TestUnreadCount(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	c := join(g, "carol@x.com")

	send(g, a, "bob@x.com", "one")
	send(g, a, "bob@x.com", "two")
	send(g, c, "bob@x.com", "three")
	send(g, a, "carol@x.com", "not for bob")
	drain(b)

	g.Dispatch(b, protocol.NewEvent(protocol.EventGetUnreadCount, "bob@x.com"))

	counts := eventsOfType(drain(b), protocol.EventUnreadCount)
	require.Len(t, counts, 1)
	var n int
	require.NoError(t, counts[0].Decode(&n))
	assert.Equal(t, 3, n)
}

func TestChatListSorting(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	c := join(g, "carol@x.com")

	send(g, b, "alice@x.com", "from bob")
	time.Sleep(2 * time.Millisecond)
	send(g, c, "alice@x.com", "from carol, newer")
	// a room with no messages yet
	joinChat(g, a, "alice@x.com", "dave@x.com")
	drain(a)

	g.Dispatch(a, protocol.NewEvent(protocol.EventGetChatList, "alice@x.com"))

	lists := eventsOfType(drain(a), protocol.EventChatList)
	require.Len(t, lists, 1)
	var entries []protocol.ChatListEntry
	require.NoError(t, lists[0].Decode(&entries))
	require.Len(t, entries, 3)

	assert.Equal(t, "carol@x.com", entries[0].OtherUser)
	assert.Equal(t, 1, entries[0].UnreadCount)
	assert.Equal(t, "bob@x.com", entries[1].OtherUser)
	assert.Equal(t, "dave@x.com", entries[2].OtherUser)
	assert.Nil(t, entries[2].LastMessage)
}

func TestTypingRelay(t *testing.T) {
	g := NewGateway(nil, 100)
	room := protocol.RoomID("alice@x.com", "bob@x.com")

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, a, "alice@x.com", "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(a)
	drain(b)

	g.Dispatch(a, protocol.NewEvent(protocol.EventTypingStart, protocol.TypingPayload{ChatRoom: room, UserEmail: "alice@x.com"}))
	g.Dispatch(a, protocol.NewEvent(protocol.EventTypingStop, protocol.TypingPayload{ChatRoom: room, UserEmail: "alice@x.com"}))

	bEvents := drain(b)
	typing := eventsOfType(bEvents, protocol.EventUserTyping)
	require.Len(t, typing, 1)
	var who string
	require.NoError(t, typing[0].Decode(&who))
	assert.Equal(t, "alice@x.com", who)
	require.Len(t, eventsOfType(bEvents, protocol.EventUserStopTyping), 1)

	// typing is never echoed back to its sender
	assert.Empty(t, eventsOfType(drain(a), protocol.EventUserTyping))
}

func TestDisconnectBroadcastsOfflineOnLastConnection(t *testing.T) {
	g := NewGateway(nil, 100)

	watcher := join(g, "carol@x.com")
	b1 := join(g, "bob@x.com")
	b2 := join(g, "bob@x.com")
	drain(watcher)

	g.Disconnect(b1)
	assert.Empty(t, eventsOfType(drain(watcher), protocol.EventUserOffline), "bob still has a tab open")

	g.Disconnect(b2)
	offline := eventsOfType(drain(watcher), protocol.EventUserOffline)
	require.Len(t, offline, 1)
	var who string
	require.NoError(t, offline[0].Decode(&who))
	assert.Equal(t, "bob@x.com", who)

	g.mu.RLock()
	defer g.mu.RUnlock()
	assert.Empty(t, g.users["bob@x.com"])
}

func TestDeliverToDisconnectingClientDoesNotPanic(t *testing.T) {
	g := NewGateway(nil, 100)

	a := join(g, "alice@x.com")
	b := join(g, "bob@x.com")
	joinChat(g, a, "alice@x.com", "bob@x.com")
	joinChat(g, b, "bob@x.com", "alice@x.com")
	drain(a)
	drain(b)

	// a peer dropping mid-broadcast is ordinary traffic; the shared room
	// must survive it
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			send(g, a, "bob@x.com", "hi")
			drain(a)
		}
	}()
	go func() {
		defer wg.Done()
		g.Disconnect(b)
	}()
	wg.Wait()

	// an in-flight delivery that grabbed the client before teardown
	// finished must still be harmless
	g.deliver(b, protocol.NewEvent(protocol.EventReceiveMessage, models.Message{Body: "late"}))

	g.mu.RLock()
	defer g.mu.RUnlock()
	_, stillSubscribed := g.rooms[protocol.RoomID("alice@x.com", "bob@x.com")].subs[b]
	assert.False(t, stillSubscribed)
	assert.NotContains(t, g.clients, b)
}

func TestUnknownEventIgnored(t *testing.T) {
	g := NewGateway(nil, 100)
	c := join(g, "alice@x.com")
	drain(c)

	g.Dispatch(c, protocol.Event{Type: "launch_missiles"})
	assert.Empty(t, drain(c))
}
