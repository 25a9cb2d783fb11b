package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"openbingo/bingo"
	"openbingo/cache"
	"openbingo/models"
	"openbingo/store"
	"openbingo/utils/logger"

	"gorm.io/datatypes"
)

// GameConfig tunes the pool and the lifecycle timers.
type GameConfig struct {
	StartThreshold    int
	MaxPlayers        int
	CountdownDuration time.Duration
	JoinTimeout       time.Duration
	DrawInterval      time.Duration
	CardAttempts      int
}

// DefaultGameConfig returns the production timings.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		StartThreshold:    3,
		MaxPlayers:        10,
		CountdownDuration: 30 * time.Second,
		JoinTimeout:       60 * time.Second,
		DrawInterval:      5 * time.Second,
		CardAttempts:      1000,
	}
}

func (c GameConfig) withDefaults() GameConfig {
	def := DefaultGameConfig()
	if c.StartThreshold <= 0 {
		c.StartThreshold = def.StartThreshold
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.CountdownDuration <= 0 {
		c.CountdownDuration = def.CountdownDuration
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.DrawInterval <= 0 {
		c.DrawInterval = def.DrawInterval
	}
	if c.CardAttempts <= 0 {
		c.CardAttempts = def.CardAttempts
	}
	return c
}

// StateCache keeps game snapshots for cheap reads. Get returns cache.ErrMiss
// for absent keys.
type StateCache interface {
	Put(ctx context.Context, key string, value interface{}) error
	Get(ctx context.Context, key string, dst interface{}) error
	Delete(ctx context.Context, key string) error
}

// GameService runs the game pool: registration, claims and the lifecycle
// timers of every live game.
type GameService struct {
	store store.Store
	hub   *Hub
	latch cache.Latch
	cache StateCache
	cfg   GameConfig
	cards *bingo.Generator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex  sync.Mutex
	timers map[string]*time.Timer
	loops  map[uint]context.CancelFunc
	closed bool

	// serializes snapshot rebuilds and cache writes
	stateMutex sync.Mutex
}

// NewGameService wires the pool and the lifecycle. stateCache may be nil.
func NewGameService(st store.Store, hub *Hub, latch cache.Latch, stateCache StateCache, cfg GameConfig) *GameService {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &GameService{
		store:  st,
		hub:    hub,
		latch:  latch,
		cache:  stateCache,
		cfg:    cfg,
		cards:  bingo.NewGenerator(cfg.CardAttempts, nil),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
		loops:  make(map[uint]context.CancelFunc),
	}
}

func (s *GameService) Config() GameConfig {
	return s.cfg
}

// Registration is what a successful Register hands back to the player.
type Registration struct {
	Game        *models.Game   `json:"game"`
	Player      *models.Player `json:"player"`
	Card        *models.Card   `json:"card"`
	PlayerCount int            `json:"player_count"`
}

// ClaimResult describes a winning claim.
type ClaimResult struct {
	Game     *models.Game `json:"game"`
	WinnerID uint         `json:"winner_id"`
}

// GameState is the snapshot sent to new sessions and kept in the state cache.
type GameState struct {
	GameID      uint       `json:"game_id"`
	Status      string     `json:"status"`
	DrawnBalls  []int      `json:"drawn_balls"`
	LatestBall  *int       `json:"latest_ball"`
	PlayerCount int        `json:"player_count"`
	WinnerID    *uint      `json:"winner_id"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
}

// Register places the user in the joinable game, creating one when none
// exists. The lookup, both checks and the inserts form one unit.
func (s *GameService) Register(ctx context.Context, userID uint) (*Registration, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}

	var reg Registration
	err := s.store.WithPool(ctx, func(tx store.PoolTx) error {
		// One live game per user
		live, err := tx.HasLivePlayer(userID)
		if err != nil {
			return err
		}
		if live {
			return ErrAlreadyRegistered
		}

		// Join the waiting game or open a new one
		game, err := tx.JoinableGame()
		if errors.Is(err, store.ErrNotFound) {
			game = &models.Game{Status: models.GameStatusOpen, DrawnBalls: datatypes.JSONSlice[int]{}}
			if err := tx.CreateGame(game); err != nil {
				return err
			}
			logger.Infof("created game %d", game.ID)
		} else if err != nil {
			return err
		}

		count, err := tx.CountPlayers(game.ID)
		if err != nil {
			return err
		}
		if count >= s.cfg.MaxPlayers {
			return ErrGameFull
		}

		// Issue a card no one has held before
		numbers, err := s.cards.Generate(func(c bingo.Card) (bool, error) {
			return tx.CardExists(c.Fingerprint())
		})
		if errors.Is(err, bingo.ErrExhausted) {
			logger.Errorf("card generation exhausted %d attempts for user %d", s.cfg.CardAttempts, userID)
			return ErrCardCollision
		}
		if err != nil {
			return err
		}
		card := models.NewCard(numbers)
		if err := tx.CreateCard(card); err != nil {
			return err
		}

		player := &models.Player{
			GameID:   game.ID,
			UserID:   userID,
			CardID:   card.ID,
			JoinedAt: time.Now().UTC(),
		}
		if err := tx.CreatePlayer(player); err != nil {
			return err
		}
		player.Card = *card

		reg = Registration{Game: game, Player: player, Card: card, PlayerCount: count + 1}
		return nil
	})
	if err != nil {
		return nil, wrapInfra(err, "failed to register user %d", userID)
	}

	gameID := reg.Game.ID
	logger.Infof("user %d joined game %d as player %d (%d players)", userID, gameID, reg.Player.ID, reg.PlayerCount)

	// Tell the room and arm the timers
	s.hub.Publish(gameID, EventTotalPlayers, TotalPlayersPayload{Count: reg.PlayerCount})
	s.armJoinTimeout(gameID)
	if reg.PlayerCount >= s.cfg.StartThreshold {
		s.armCountdown(gameID)
	}
	s.refreshState(gameID)

	return &reg, nil
}

// ClaimWin checks the user's card against the drawn balls. A winning claim
// finishes the game; a losing one removes the player.
func (s *GameService) ClaimWin(ctx context.Context, userID uint) (*ClaimResult, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}

	player, err := s.store.LatestPlayer(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player for user %d: %w", userID, err)
	}
	gameID := player.GameID

	var (
		won       bool
		remaining int
		emptied   bool
		snapshot  *models.Game
	)
	err = s.store.WithGame(ctx, gameID, func(tx store.GameTx) error {
		// Only an active game takes claims
		game := tx.Game()
		switch game.Status {
		case models.GameStatusActive:
		case models.GameStatusFinished:
			return ErrAlreadyWon
		default:
			return ErrNoActiveGame
		}

		// Make sure the player is still seated
		var member *models.Player
		for i := range tx.Players() {
			if tx.Players()[i].ID == player.ID {
				member = &tx.Players()[i]
				break
			}
		}
		if member == nil {
			return ErrNotInGame
		}

		card, err := tx.Card(member.CardID)
		if err != nil {
			return err
		}

		if bingo.IsWinner(card.Numbers.Data(), bingo.NewBallSet(game.DrawnBalls)) {
			if game.WinnerID != nil {
				return ErrAlreadyWon
			}
			now := time.Now().UTC()
			winner := userID
			game.WinnerID = &winner
			game.Status = models.GameStatusFinished
			game.EndedAt = &now
			won = true
			snapshot = game.Clone()
			return nil
		}

		// False claim: the player is out, and so is an empty game
		if err := tx.RemovePlayer(member.ID); err != nil {
			return err
		}
		remaining = len(tx.Players())
		if remaining == 0 {
			now := time.Now().UTC()
			game.Status = models.GameStatusCancelled
			game.EndedAt = &now
			emptied = true
			return tx.Delete()
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveGame
	}
	if err != nil {
		return nil, wrapInfra(err, "failed to process claim for user %d", userID)
	}

	if won {
		logger.Infof("user %d won game %d", userID, gameID)
		s.hub.Publish(gameID, EventFinished, FinishedPayload{WinnerID: snapshot.WinnerID, Reason: FinishReasonWinner})
		s.endGame(gameID, false)
		return &ClaimResult{Game: snapshot, WinnerID: userID}, nil
	}

	logger.Infof("user %d disqualified from game %d (%d players left)", userID, gameID, remaining)
	s.hub.Publish(gameID, EventTotalPlayers, TotalPlayersPayload{Count: remaining})
	if emptied {
		logger.Infof("game %d cancelled: no players left", gameID)
		s.endGame(gameID, true)
	} else {
		s.refreshState(gameID)
	}
	return nil, ErrNotAWin
}

// GetCard returns the card of the user's current player.
func (s *GameService) GetCard(ctx context.Context, userID uint) (*models.Card, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}
	player, err := s.store.LatestPlayer(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player for user %d: %w", userID, err)
	}
	card, err := s.store.Card(ctx, player.CardID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card %d: %w", player.CardID, err)
	}
	return card, nil
}

// CurrentGame returns the game the user most recently joined.
func (s *GameService) CurrentGame(ctx context.Context, userID uint) (*models.Game, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}
	player, err := s.store.LatestPlayer(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player for user %d: %w", userID, err)
	}
	game, err := s.store.Game(ctx, player.GameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load game %d: %w", player.GameID, err)
	}
	return game, nil
}

// GameState returns the snapshot of the user's game, from the cache when
// one is configured.
func (s *GameService) GameState(ctx context.Context, userID uint) (*GameState, error) {
	game, err := s.CurrentGame(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.gameState(ctx, game.ID)
}

func (s *GameService) gameState(ctx context.Context, gameID uint) (*GameState, error) {
	if s.cache != nil {
		var state GameState
		err := s.cache.Get(ctx, stateKey(gameID), &state)
		if err == nil {
			return &state, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warnf("state cache read failed for game %d: %v", gameID, err)
		}

		// Miss: rebuild under the same lock as transitions
		s.stateMutex.Lock()
		defer s.stateMutex.Unlock()
	}

	state, err := s.loadState(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInGame
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.putState(ctx, state)
	}
	return state, nil
}

func (s *GameService) loadState(ctx context.Context, gameID uint) (*GameState, error) {
	game, err := s.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountPlayers(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to count players of game %d: %w", gameID, err)
	}
	state := &GameState{
		GameID:      game.ID,
		Status:      game.Status,
		DrawnBalls:  append([]int{}, game.DrawnBalls...),
		PlayerCount: count,
		WinnerID:    game.WinnerID,
		StartedAt:   game.StartedAt,
		EndedAt:     game.EndedAt,
	}
	if latest := game.LatestBall(); latest != 0 {
		state.LatestBall = &latest
	}
	return state, nil
}

// refreshState rewrites the cached snapshot after a transition. Rebuilds
// run one at a time so the last write always comes from the latest read.
func (s *GameService) refreshState(gameID uint) {
	if s.cache == nil {
		return
	}
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	state, err := s.loadState(s.ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		s.dropState(gameID)
		return
	}
	if err != nil {
		logger.Warnf("failed to rebuild state of game %d: %v", gameID, err)
		return
	}
	s.putState(s.ctx, state)
}

// putState writes state unless the cache already holds a snapshot that is
// further along. Callers hold stateMutex.
func (s *GameService) putState(ctx context.Context, state *GameState) {
	key := stateKey(state.GameID)

	var cached GameState
	if err := s.cache.Get(ctx, key, &cached); err == nil && cached.newerThan(state) {
		logger.Debugf("kept cached %s snapshot of game %d over %s", cached.Status, state.GameID, state.Status)
		return
	}
	if err := s.cache.Put(ctx, key, state); err != nil {
		logger.Warnf("state cache write failed for game %d: %v", state.GameID, err)
	}
}

func (s *GameService) dropState(gameID uint) {
	if err := s.cache.Delete(s.ctx, stateKey(gameID)); err != nil {
		logger.Warnf("state cache delete failed for game %d: %v", gameID, err)
	}
}

// stage orders statuses by how far along a game is. open and countdown
// share a stage since a countdown can fall back to open.
func stage(status string) int {
	switch status {
	case models.GameStatusActive:
		return 1
	case models.GameStatusFinished, models.GameStatusCancelled:
		return 2
	}
	return 0
}

func (g *GameState) newerThan(other *GameState) bool {
	if a, b := stage(g.Status), stage(other.Status); a != b {
		return a > b
	}
	return len(g.DrawnBalls) > len(other.DrawnBalls)
}

func stateKey(gameID uint) string {
	return fmt.Sprintf("game:%d:state", gameID)
}

var errorKinds = []error{ErrValidation, ErrUnauthenticated, ErrCapacity, ErrConflict, ErrNotFound, ErrDisqualified}

// wrapInfra passes classified errors through untouched and adds context to
// everything else.
func wrapInfra(err error, format string, args ...interface{}) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
