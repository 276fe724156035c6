package client

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Arthurb-96/Looking/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const flashDuration = time.Second

// Aggregator listens on the user's personal channel for message
// notifications while no conversation view is open, and keeps the unread
// tab bar current. Tabs are persisted per user through a TabStore.
type Aggregator struct {
	baseURL    string
	token      string
	localUser  string
	store      TabStore
	flash      time.Duration
	retryDelay time.Duration

	mu   sync.Mutex
	tabs []*Tab
	conn *websocket.Conn

	OnChange func([]Tab)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewAggregator(baseURL, token, localUser string, store TabStore) *Aggregator {
	return &Aggregator{
		baseURL:    baseURL,
		token:      token,
		localUser:  localUser,
		store:      store,
		flash:      flashDuration,
		retryDelay: reconnectDelay,
	}
}

// Start restores the saved tab set, connects and begins listening.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	saved, err := a.store.Load(a.localUser)
	if err != nil {
		log.Println("client: load chat tabs:", err)
	}
	a.mu.Lock()
	for i := range saved {
		t := saved[i]
		// drop entries that never were valid peers
		if !strings.Contains(t.Sender, "@") || t.Sender == a.localUser {
			continue
		}
		t.Open = false
		a.tabs = append(a.tabs, &t)
	}
	a.mu.Unlock()

	if err := a.dial(); err != nil {
		go a.reconnectLoop()
		return err
	}

	go a.readLoop()
	return nil
}

func (a *Aggregator) dial() error {
	dialCtx, cancel := context.WithTimeout(a.ctx, 20*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/ws?token=%s", a.baseURL, a.token)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	// re-announce presence so the personal channel is subscribed again
	writeCtx, cancelWrite := context.WithTimeout(a.ctx, writeTimeout)
	defer cancelWrite()
	return wsjson.Write(writeCtx, conn, protocol.NewEvent(protocol.EventUserJoin, a.localUser))
}

func (a *Aggregator) reconnectLoop() {
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.retryDelay):
		}

		if err := a.dial(); err == nil {
			a.readLoop()
			return
		}
	}
}

func (a *Aggregator) Close() {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (a *Aggregator) readLoop() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var ev protocol.Event
		if err := wsjson.Read(a.ctx, conn, &ev); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			// transport drop: notifications must come back on their own
			a.reconnectLoop()
			return
		}
		if ev.Type != protocol.EventNotification {
			continue
		}

		var p protocol.NotificationPayload
		if err := ev.Decode(&p); err != nil {
			continue
		}
		a.handleNotification(p)
	}
}

func (a *Aggregator) handleNotification(p protocol.NotificationPayload) {
	if p.Sender == a.localUser {
		return
	}

	a.mu.Lock()
	tab := a.findLocked(p.Sender)
	if tab == nil {
		tab = &Tab{Sender: p.Sender, JobTitle: p.JobContext}
		a.tabs = append(a.tabs, tab)
	}
	tab.LastMessage = p.Message
	tab.Timestamp = p.Timestamp
	if p.JobContext != "" {
		tab.JobTitle = p.JobContext
	}
	tab.UnreadCount++
	tab.Flashing = true
	a.mu.Unlock()

	a.persist()
	a.notifyChange()

	sender := p.Sender
	time.AfterFunc(a.flash, func() {
		a.mu.Lock()
		if t := a.findLocked(sender); t != nil {
			t.Flashing = false
		}
		a.mu.Unlock()
		a.notifyChange()
	})
}

// OpenTab clears the tab's unread counter and hands back a ready
// Controller for the full conversation view.
func (a *Aggregator) OpenTab(sender string) *Controller {
	a.mu.Lock()
	jobTitle := ""
	if tab := a.findLocked(sender); tab != nil {
		tab.UnreadCount = 0
		tab.Open = true
		jobTitle = tab.JobTitle
	}
	a.mu.Unlock()

	a.persist()
	a.notifyChange()

	return NewController(a.baseURL, a.token, a.localUser, sender, jobTitle)
}

// CloseTab removes the tab from the bar and from storage.
func (a *Aggregator) CloseTab(sender string) {
	a.mu.Lock()
	for i, t := range a.tabs {
		if t.Sender == sender {
			a.tabs = append(a.tabs[:i], a.tabs[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	a.persist()
	a.notifyChange()
}

// Tabs returns a snapshot of the current tab bar.
func (a *Aggregator) Tabs() []Tab {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) findLocked(sender string) *Tab {
	for _, t := range a.tabs {
		if t.Sender == sender {
			return t
		}
	}
	return nil
}

func (a *Aggregator) snapshotLocked() []Tab {
	out := make([]Tab, 0, len(a.tabs))
	for _, t := range a.tabs {
		out = append(out, *t)
	}
	return out
}

// Tabs are stored closed so a restart never resurrects a window.
func (a *Aggregator) persist() {
	a.mu.Lock()
	tabs := a.snapshotLocked()
	a.mu.Unlock()

	if len(tabs) == 0 {
		if err := a.store.Clear(a.localUser); err != nil {
			log.Println("client: clear chat tabs:", err)
		}
		return
	}

	for i := range tabs {
		tabs[i].Open = false
	}
	if err := a.store.Save(a.localUser, tabs); err != nil {
		log.Println("client: save chat tabs:", err)
	}
}

func (a *Aggregator) notifyChange() {
	if a.OnChange != nil {
		a.OnChange(a.Tabs())
	}
}
