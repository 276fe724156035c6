package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Arthurb-96/Looking/internal/client"
	"github.com/Arthurb-96/Looking/internal/config"
	"github.com/Arthurb-96/Looking/internal/models"

	"github.com/joho/godotenv"
)

// Terminal chat client. Dials the realtime gateway at SOCKET_BASE_URL,
// keeps the notification tab bar running in the background and opens one
// conversation on stdin.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	user := os.Getenv("CHAT_USER")
	token := os.Getenv("CHAT_TOKEN")
	recipient := os.Getenv("CHAT_RECIPIENT")
	if user == "" || token == "" || recipient == "" {
		log.Fatal("CHAT_USER, CHAT_TOKEN dan CHAT_RECIPIENT wajib diisi di .env")
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	store := client.NewFileTabStore(filepath.Join(dir, "looking-chat"))

	agg := client.NewAggregator(cfg.SocketBaseURL, token, user, store)
	agg.OnChange = func(tabs []client.Tab) {
		for _, t := range tabs {
			if t.UnreadCount > 0 {
				fmt.Printf("* %s (%d unread)\n", t.Sender, t.UnreadCount)
			}
		}
	}
	if err := agg.Start(context.Background()); err != nil {
		log.Println("notifications offline, retrying:", err)
	}
	defer agg.Close()

	ctrl := agg.OpenTab(recipient)
	ctrl.OnMessages = func(msgs []models.Message) {
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("[%s] %s\n", last.Sender, last.Body)
	}
	ctrl.OnPeerTyping = func(typing bool) {
		if typing {
			fmt.Printf("%s is typing...\n", recipient)
		}
	}
	ctrl.OnState = func(s client.State) {
		log.Println("connection:", s)
	}

	if err := ctrl.Connect(context.Background()); err != nil {
		log.Println("connect failed, retrying in background:", err)
	}
	defer ctrl.Close()

	log.Printf("chatting with %s via %s", recipient, cfg.SocketBaseURL)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		ctrl.InputChanged()
		ctrl.SendMessage(sc.Text())
	}
}
