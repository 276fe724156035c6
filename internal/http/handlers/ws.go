package handlers

import (
	"errors"
	"net/http"

	"github.com/Arthurb-96/Looking/internal/protocol"
	"github.com/Arthurb-96/Looking/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type WSHandler struct {
	Gateway              *ws.Gateway
	JWTSecret            string
	WSInsecureSkipVerify bool
}

func (h *WSHandler) Handle(c *gin.Context) {
	// Karena browser native WebSocket sulit set header Authorization,
	// kita pakai query param token=...
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}

	email, err := parseEmailFromJWT(tokenStr, h.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	opts := &websocket.AcceptOptions{}
	// Default Accept menolak cross-origin. Untuk dev sering beda origin.
	// InsecureSkipVerify akan mem-bypass verifikasi origin (HANYA untuk dev).
	if h.WSInsecureSkipVerify {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		return // Accept sudah menulis response error
	}

	client := h.Gateway.AddClient(email, conn)
	defer h.Gateway.Disconnect(client)

	ctx := c.Request.Context()
	for {
		var ev protocol.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return
		}
		h.Gateway.Dispatch(client, ev)
	}
}

var errNoEmailClaim = errors.New("token has no email claim")

func parseEmailFromJWT(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoEmailClaim
	}

	if email, ok := claims["email"].(string); ok && email != "" {
		return email, nil
	}
	return "", errNoEmailClaim
}
