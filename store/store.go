// Package store persists games, players and cards. Every mutation goes
// through a transaction callback so a failed callback leaves nothing behind.
package store

import (
	"context"
	"errors"

	"openbingo/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrGameDeleted = errors.New("game deleted in this transaction")
)

// PoolTx is the view of the store inside the pool's serialization point.
type PoolTx interface {
	// JoinableGame returns the single game that has not started yet, or
	// ErrNotFound.
	JoinableGame() (*models.Game, error)
	CreateGame(game *models.Game) error
	CountPlayers(gameID uint) (int, error)
	// HasLivePlayer reports whether the user holds a player in any game that
	// has not finished or been cancelled.
	HasLivePlayer(userID uint) (bool, error)
	// CardExists checks the fingerprint against every card ever issued.
	CardExists(fingerprint string) (bool, error)
	// CreateCard stores the card and records its fingerprint in the history.
	CreateCard(card *models.Card) error
	CreatePlayer(player *models.Player) error
}

// GameTx is an exclusive read-modify-write unit over one game.
type GameTx interface {
	// Game is the locked game; changes to it are saved on commit.
	Game() *models.Game
	Players() []models.Player
	Card(cardID uint) (*models.Card, error)
	// RemovePlayer deletes the player and its card.
	RemovePlayer(playerID uint) error
	// Delete removes the game with its players and cards.
	Delete() error
}

type Store interface {
	WithPool(ctx context.Context, fn func(tx PoolTx) error) error
	// WithGame returns ErrNotFound when the game does not exist.
	WithGame(ctx context.Context, gameID uint, fn func(tx GameTx) error) error

	Game(ctx context.Context, gameID uint) (*models.Game, error)
	CountPlayers(ctx context.Context, gameID uint) (int, error)
	// LatestPlayer returns the user's most recent player record in a game
	// that still exists, whatever its status.
	LatestPlayer(ctx context.Context, userID uint) (*models.Player, error)
	Card(ctx context.Context, cardID uint) (*models.Card, error)
	// LiveGames lists games that have not finished or been cancelled, oldest
	// first.
	LiveGames(ctx context.Context) ([]models.Game, error)
}
