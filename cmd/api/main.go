package main

import (
	"fmt"
	"log"

	"github.com/Arthurb-96/Looking/internal/config"
	"github.com/Arthurb-96/Looking/internal/database"
	"github.com/Arthurb-96/Looking/internal/http/handlers"
	"github.com/Arthurb-96/Looking/internal/http/middleware"
	"github.com/Arthurb-96/Looking/internal/models"
	"github.com/Arthurb-96/Looking/internal/store"
	"github.com/Arthurb-96/Looking/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.DBDSN == "" || cfg.JWTSecret == "" {
		log.Fatal("DB_DSN dan JWT_SECRET wajib diisi di .env")
	}

	db, err := database.ConnectMySQL(cfg.DBDSN)
	if err != nil {
		log.Fatal("failed connect db:", err)
	}

	// Auto-migrate tables
	if err := db.AutoMigrate(
		&models.Message{},
		&models.ChatSummary{},
	); err != nil {
		log.Fatal("failed migrate:", err)
	}

	st := store.NewGormStore(db)
	gateway := ws.NewGateway(st, cfg.HistoryLimit)

	r := gin.Default()

	// WebSocket endpoint
	wsH := &handlers.WSHandler{
		Gateway:              gateway,
		JWTSecret:            cfg.JWTSecret,
		WSInsecureSkipVerify: cfg.WSInsecureSkipVerify,
	}
	r.GET("/ws", wsH.Handle)

	// REST fallback untuk klien polling (jaringan jelek / tanpa websocket)
	if cfg.ChatPollingAPI {
		authed := r.Group("/api/v1")
		authed.Use(middleware.AuthMiddleware(cfg.JWTSecret))

		chatH := &handlers.ChatHandler{Store: st, HistoryLimit: cfg.HistoryLimit}
		authed.GET("/chat/messages", chatH.ListMessages)
		authed.POST("/chat/messages", chatH.SendMessage)
		authed.GET("/chat/list", chatH.ListChats)
		authed.POST("/chat/read", chatH.MarkRead)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Println("listening on", addr)
	log.Fatal(r.Run(addr))
}
