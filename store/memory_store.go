package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"openbingo/models"
)

// MemoryStore keeps everything in process memory. Games are locked
// individually, so transactions on different games never wait on each other;
// the pool has its own lock that is taken before any game lock.
type MemoryStore struct {
	poolMu sync.Mutex

	mu           sync.Mutex
	locks        map[uint]*sync.Mutex
	games        map[uint]*models.Game
	players      map[uint]*models.Player
	cards        map[uint]*models.Card
	fingerprints map[string]struct{}
	users        map[uint]*models.User
	nextGameID   uint
	nextPlayerID uint
	nextCardID   uint
	nextUserID   uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        make(map[uint]*sync.Mutex),
		games:        make(map[uint]*models.Game),
		players:      make(map[uint]*models.Player),
		cards:        make(map[uint]*models.Card),
		fingerprints: make(map[string]struct{}),
		users:        make(map[uint]*models.User),
		nextGameID:   1,
		nextPlayerID: 1,
		nextCardID:   1,
		nextUserID:   1,
	}
}

func (s *MemoryStore) gameLock(id uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) WithPool(ctx context.Context, fn func(tx PoolTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	tx := &memPoolTx{s: s, now: time.Now().UTC()}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) WithGame(ctx context.Context, gameID uint, fn func(tx GameTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.gameLock(gameID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	game, ok := s.games[gameID]
	if !ok {
		delete(s.locks, gameID)
		s.mu.Unlock()
		return ErrNotFound
	}
	tx := &memGameTx{s: s, game: game.Clone()}
	for _, player := range s.players {
		if player.GameID == gameID {
			tx.players = append(tx.players, *player)
		}
	}
	s.mu.Unlock()
	sort.Slice(tx.players, func(i, j int) bool { return tx.players[i].ID < tx.players[j].ID })

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Game(ctx context.Context, gameID uint) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	game, ok := s.games[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	return game.Clone(), nil
}

func (s *MemoryStore) CountPlayers(ctx context.Context, gameID uint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countPlayersLocked(gameID), nil
}

func (s *MemoryStore) countPlayersLocked(gameID uint) int {
	count := 0
	for _, player := range s.players {
		if player.GameID == gameID {
			count++
		}
	}
	return count
}

func (s *MemoryStore) LatestPlayer(ctx context.Context, userID uint) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Player
	for _, player := range s.players {
		if player.UserID != userID {
			continue
		}
		if _, ok := s.games[player.GameID]; !ok {
			continue
		}
		if latest == nil || player.ID > latest.ID {
			latest = player
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (s *MemoryStore) Card(ctx context.Context, cardID uint) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardLocked(cardID)
}

func (s *MemoryStore) LiveGames(ctx context.Context) ([]models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var games []models.Game
	for _, game := range s.games {
		if game.Live() {
			games = append(games, *game.Clone())
		}
	}
	sort.Slice(games, func(i, j int) bool { return games[i].ID < games[j].ID })
	return games, nil
}

func (s *MemoryStore) cardLocked(cardID uint) (*models.Card, error) {
	card, ok := s.cards[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *card
	return &out, nil
}

type memPoolTx struct {
	s      *MemoryStore
	now    time.Time
	held   []*sync.Mutex
	locked uint

	games   []*models.Game
	cards   []*models.Card
	players []*models.Player
}

func (tx *memPoolTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
	tx.held = nil
}

func (tx *memPoolTx) JoinableGame() (*models.Game, error) {
	for _, game := range tx.games {
		if game.Joinable() {
			return game.Clone(), nil
		}
	}
	if tx.locked != 0 {
		tx.s.mu.Lock()
		defer tx.s.mu.Unlock()
		if game, ok := tx.s.games[tx.locked]; ok {
			return game.Clone(), nil
		}
		return nil, ErrNotFound
	}
	for {
		id, ok := tx.findJoinable()
		if !ok {
			return nil, ErrNotFound
		}
		l := tx.s.gameLock(id)
		l.Lock()

		tx.s.mu.Lock()
		game, exists := tx.s.games[id]
		joinable := exists && game.Joinable()
		var out *models.Game
		if joinable {
			out = game.Clone()
		}
		tx.s.mu.Unlock()

		if joinable {
			tx.held = append(tx.held, l)
			tx.locked = id
			return out, nil
		}
		// it started or vanished between the lookup and the lock
		l.Unlock()
	}
}

func (tx *memPoolTx) findJoinable() (uint, bool) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	var found uint
	for id, game := range tx.s.games {
		if game.Joinable() && (found == 0 || id < found) {
			found = id
		}
	}
	return found, found != 0
}

func (tx *memPoolTx) CreateGame(game *models.Game) error {
	tx.s.mu.Lock()
	game.ID = tx.s.nextGameID
	tx.s.nextGameID++
	tx.s.mu.Unlock()

	game.CreatedAt = tx.now
	game.UpdatedAt = tx.now
	tx.games = append(tx.games, game.Clone())
	return nil
}

func (tx *memPoolTx) CountPlayers(gameID uint) (int, error) {
	tx.s.mu.Lock()
	count := tx.s.countPlayersLocked(gameID)
	tx.s.mu.Unlock()
	for _, player := range tx.players {
		if player.GameID == gameID {
			count++
		}
	}
	return count, nil
}

func (tx *memPoolTx) HasLivePlayer(userID uint) (bool, error) {
	for _, player := range tx.players {
		if player.UserID == userID {
			return true, nil
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, player := range tx.s.players {
		if player.UserID != userID {
			continue
		}
		if game, ok := tx.s.games[player.GameID]; ok && game.Live() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memPoolTx) CardExists(fingerprint string) (bool, error) {
	for _, card := range tx.cards {
		if card.Fingerprint == fingerprint {
			return true, nil
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	_, ok := tx.s.fingerprints[fingerprint]
	return ok, nil
}

func (tx *memPoolTx) CreateCard(card *models.Card) error {
	tx.s.mu.Lock()
	card.ID = tx.s.nextCardID
	tx.s.nextCardID++
	tx.s.mu.Unlock()

	card.CreatedAt = tx.now
	card.UpdatedAt = tx.now
	staged := *card
	tx.cards = append(tx.cards, &staged)
	return nil
}

func (tx *memPoolTx) CreatePlayer(player *models.Player) error {
	tx.s.mu.Lock()
	player.ID = tx.s.nextPlayerID
	tx.s.nextPlayerID++
	tx.s.mu.Unlock()

	player.CreatedAt = tx.now
	player.UpdatedAt = tx.now
	staged := *player
	tx.players = append(tx.players, &staged)
	return nil
}

func (tx *memPoolTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, game := range tx.games {
		tx.s.games[game.ID] = game
	}
	for _, card := range tx.cards {
		tx.s.cards[card.ID] = card
		tx.s.fingerprints[card.Fingerprint] = struct{}{}
	}
	for _, player := range tx.players {
		tx.s.players[player.ID] = player
	}
}

type memGameTx struct {
	s       *MemoryStore
	game    *models.Game
	players []models.Player
	removed []models.Player
	deleted bool
}

func (tx *memGameTx) Game() *models.Game {
	return tx.game
}

func (tx *memGameTx) Players() []models.Player {
	return tx.players
}

func (tx *memGameTx) Card(cardID uint) (*models.Card, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	return tx.s.cardLocked(cardID)
}

func (tx *memGameTx) RemovePlayer(playerID uint) error {
	if tx.deleted {
		return ErrGameDeleted
	}
	for i, player := range tx.players {
		if player.ID == playerID {
			tx.removed = append(tx.removed, player)
			tx.players = append(tx.players[:i:i], tx.players[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memGameTx) Delete() error {
	if tx.deleted {
		return ErrGameDeleted
	}
	tx.removed = append(tx.removed, tx.players...)
	tx.players = nil
	tx.deleted = true
	return nil
}

func (tx *memGameTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, player := range tx.removed {
		delete(tx.s.players, player.ID)
		delete(tx.s.cards, player.CardID)
	}
	if tx.deleted {
		// ids are never reused, so waiters on the old lock find no game
		delete(tx.s.games, tx.game.ID)
		delete(tx.s.locks, tx.game.ID)
		return
	}
	tx.game.UpdatedAt = time.Now().UTC()
	tx.s.games[tx.game.ID] = tx.game.Clone()
}
