package client

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tab is one peer's conversation slot in the notification bar.
type Tab struct {
	Sender      string    `json:"sender"`
	JobTitle    string    `json:"jobTitle,omitempty"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
	UnreadCount int       `json:"unreadCount"`
	Open        bool      `json:"isOpen"`
	Flashing    bool      `json:"-"`
}

// TabStore persists the open-tab set per user so tabs survive a restart.
type TabStore interface {
	Load(user string) ([]Tab, error)
	Save(user string, tabs []Tab) error
	Clear(user string) error
}

// FileTabStore keeps one JSON file per user in dir, the desktop analog of
// the browser's localStorage entry.
type FileTabStore struct {
	dir string
}

func NewFileTabStore(dir string) *FileTabStore {
	return &FileTabStore{dir: dir}
}

func (s *FileTabStore) Load(user string) ([]Tab, error) {
	data, err := os.ReadFile(s.path(user))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var tabs []Tab
	if err := json.Unmarshal(data, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

func (s *FileTabStore) Save(user string, tabs []Tab) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(tabs)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(user), data, 0o644)
}

func (s *FileTabStore) Clear(user string) error {
	err := os.Remove(s.path(user))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileTabStore) path(user string) string {
	return filepath.Join(s.dir, "chat_tabs_"+sanitizeUser(user)+".json")
}

func sanitizeUser(user string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '@' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, user)
}
