package handlers

import (
	"net/http"

	"openbingo/services"

	"github.com/gin-gonic/gin"
)

// GameHandler serves the player-facing game endpoints.
type GameHandler struct {
	gameService *services.GameService
}

func NewGameHandler(gameService *services.GameService) *GameHandler {
	return &GameHandler{gameService: gameService}
}

// Register puts the caller into the open game.
func (h *GameHandler) Register(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	reg, err := h.gameService.Register(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reg)
}

func (h *GameHandler) ClaimWin(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	// A false claim comes back as a disqualified error
	result, err := h.gameService.ClaimWin(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Bingo! You won the game",
		"game":      result.Game,
		"winner_id": result.WinnerID,
	})
}

func (h *GameHandler) GetCard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	card, err := h.gameService.GetCard(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, card)
}

// GetCurrentGame returns the snapshot of the caller's latest game.
func (h *GameHandler) GetCurrentGame(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	state, err := h.gameService.GameState(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

func (h *GameHandler) GetLatestBall(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	state, err := h.gameService.GameState(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"game_id":     state.GameID,
		"latest_ball": state.LatestBall,
		"drawn_count": len(state.DrawnBalls),
	})
}
