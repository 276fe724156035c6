package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port                 int
	DBDSN                string
	JWTSecret            string
	WSInsecureSkipVerify bool

	// SocketBaseURL is where clients dial the realtime transport.
	SocketBaseURL string

	// ChatPollingAPI exposes the REST fallback for degraded-network clients.
	ChatPollingAPI bool

	// HistoryLimit caps how many recent messages a history fetch returns.
	HistoryLimit int
}

func Load() Config {
	port := 8084
	if v := os.Getenv("APP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	wsInsecure := false
	if os.Getenv("WS_INSECURE_SKIP_VERIFY") == "true" {
		wsInsecure = true
	}

	socketBaseURL := os.Getenv("SOCKET_BASE_URL")
	if socketBaseURL == "" {
		socketBaseURL = "ws://localhost:8084"
	}

	historyLimit := 100
	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			historyLimit = n
		}
	}

	return Config{
		Port:                 port,
		DBDSN:                os.Getenv("DB_DSN"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		WSInsecureSkipVerify: wsInsecure,
		SocketBaseURL:        socketBaseURL,
		ChatPollingAPI:       os.Getenv("CHAT_POLLING_API") == "true",
		HistoryLimit:         historyLimit,
	}
}
