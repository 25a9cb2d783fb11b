package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"openbingo/handlers"
	"openbingo/middleware"
	"openbingo/models"
	"openbingo/services"
	"openbingo/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// The first frame on /ws must carry the token within this window.
	handshakeWait = 10 * time.Second

	closeInvalidToken = 4003
	closeNoGame       = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type handshake struct {
	Token string `json:"token"`
}

func SetupRoutes(
	router *gin.Engine,
	authHandler *handlers.AuthHandler,
	gameHandler *handlers.GameHandler,
	authService *services.AuthService,
	gameService *services.GameService,
	hub *services.Hub,
) {
	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware(authService))
		{
			protected.GET("/auth/profile", authHandler.GetProfile)

			games := protected.Group("/games")
			{
				games.POST("/register", gameHandler.Register)
				games.POST("/claim", gameHandler.ClaimWin)
				games.GET("/card", gameHandler.GetCard)
				games.GET("/current", gameHandler.GetCurrentGame)
				games.GET("/latest-ball", gameHandler.GetLatestBall)
			}
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}
		serveSession(c.Request.Context(), conn, authService, gameService, hub)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
}

// serveSession authenticates the socket from its first frame and attaches it
// to the caller's game.
func serveSession(ctx context.Context, conn *websocket.Conn, authService *services.AuthService, gameService *services.GameService, hub *services.Hub) {
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logger.Debugf("websocket closed before handshake: %v", err)
		conn.Close()
		return
	}

	var hello handshake
	if err := json.Unmarshal(data, &hello); err != nil {
		rejectSession(conn, closeInvalidToken, "invalid handshake")
		return
	}
	userID, err := authService.ParseToken(hello.Token)
	if err != nil {
		rejectSession(conn, closeInvalidToken, "invalid token")
		return
	}

	state, err := gameService.GameState(ctx, userID)
	if errors.Is(err, services.ErrNotFound) {
		rejectSession(conn, closeNoGame, "no game")
		return
	}
	if err != nil {
		logger.Errorf("failed to load game for user %d: %v", userID, err)
		rejectSession(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	if gameOver(state.Status) {
		rejectSession(conn, closeNoGame, "game over")
		return
	}
	conn.SetReadDeadline(time.Time{})

	client := services.NewClient(hub, conn, state.GameID, userID)
	client.Start()

	// The snapshot may predate a finish; once attached, any later finish
	// reaches this session through DisconnectAll, so one store read is enough.
	game, err := gameService.CurrentGame(ctx, userID)
	if err != nil || game.ID != state.GameID || gameOver(game.Status) {
		logger.Infof("closing session %s: game %d is no longer live", client.ID(), state.GameID)
		hub.Detach(state.GameID, client)
		client.Close()
		return
	}
	if err := hub.SendTo(client, services.EventGameState, state); err != nil {
		logger.Warnf("failed to send game state to session %s: %v", client.ID(), err)
	}
	logger.Infof("user %d connected to game %d (session %s)", userID, state.GameID, client.ID())
}

func gameOver(status string) bool {
	return status == models.GameStatusFinished || status == models.GameStatusCancelled
}

func rejectSession(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}
