package store

import (
	"context"
	"errors"

	"openbingo/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// poolLockKey is the postgres advisory lock that serializes registrations.
const poolLockKey int64 = 0x62696e676f

// GormStore is the postgres-backed store. Game transactions hold a row lock
// on the game, so unrelated games never contend.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) WithPool(ctx context.Context, fn func(tx PoolTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", poolLockKey).Error; err != nil {
			return err
		}
		return fn(&gormPoolTx{tx: tx})
	})
}

func (s *GormStore) WithGame(ctx context.Context, gameID uint, fn func(tx GameTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var game models.Game
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&game, gameID).Error; err != nil {
			return notFound(err)
		}
		var players []models.Player
		if err := tx.Where("game_id = ?", gameID).Order("id").Find(&players).Error; err != nil {
			return err
		}

		gtx := &gormGameTx{tx: tx, game: &game, players: players}
		if err := fn(gtx); err != nil {
			return err
		}
		if gtx.deleted {
			return nil
		}
		return tx.Omit(clause.Associations).Save(&game).Error
	})
}

func (s *GormStore) Game(ctx context.Context, gameID uint) (*models.Game, error) {
	var game models.Game
	if err := s.db.WithContext(ctx).First(&game, gameID).Error; err != nil {
		return nil, notFound(err)
	}
	return &game, nil
}

func (s *GormStore) CountPlayers(ctx context.Context, gameID uint) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Player{}).Where("game_id = ?", gameID).Count(&count).Error
	return int(count), err
}

func (s *GormStore) LatestPlayer(ctx context.Context, userID uint) (*models.Player, error) {
	var player models.Player
	err := s.db.WithContext(ctx).
		Select("players.*").
		Joins("JOIN games ON games.id = players.game_id AND games.deleted_at IS NULL").
		Where("players.user_id = ?", userID).
		Order("players.id DESC").
		First(&player).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &player, nil
}

func (s *GormStore) Card(ctx context.Context, cardID uint) (*models.Card, error) {
	var card models.Card
	if err := s.db.WithContext(ctx).First(&card, cardID).Error; err != nil {
		return nil, notFound(err)
	}
	return &card, nil
}

func (s *GormStore) LiveGames(ctx context.Context) ([]models.Game, error) {
	var games []models.Game
	err := s.db.WithContext(ctx).Where("status IN ?", models.LiveStatuses).Order("id").Find(&games).Error
	return games, err
}

type gormPoolTx struct {
	tx *gorm.DB
}

func (p *gormPoolTx) JoinableGame() (*models.Game, error) {
	var game models.Game
	err := p.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status IN ?", models.JoinableStatuses).
		Order("id").
		First(&game).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &game, nil
}

func (p *gormPoolTx) CreateGame(game *models.Game) error {
	return p.tx.Omit(clause.Associations).Create(game).Error
}

func (p *gormPoolTx) CountPlayers(gameID uint) (int, error) {
	var count int64
	err := p.tx.Model(&models.Player{}).Where("game_id = ?", gameID).Count(&count).Error
	return int(count), err
}

func (p *gormPoolTx) HasLivePlayer(userID uint) (bool, error) {
	var count int64
	err := p.tx.Model(&models.Player{}).
		Joins("JOIN games ON games.id = players.game_id AND games.deleted_at IS NULL").
		Where("players.user_id = ? AND games.status IN ?", userID, models.LiveStatuses).
		Count(&count).Error
	return count > 0, err
}

func (p *gormPoolTx) CardExists(fingerprint string) (bool, error) {
	var count int64
	err := p.tx.Model(&models.CardFingerprint{}).Where("fingerprint = ?", fingerprint).Count(&count).Error
	return count > 0, err
}

func (p *gormPoolTx) CreateCard(card *models.Card) error {
	if err := p.tx.Create(card).Error; err != nil {
		return err
	}
	return p.tx.Create(&models.CardFingerprint{Fingerprint: card.Fingerprint}).Error
}

func (p *gormPoolTx) CreatePlayer(player *models.Player) error {
	return p.tx.Omit(clause.Associations).Create(player).Error
}

type gormGameTx struct {
	tx      *gorm.DB
	game    *models.Game
	players []models.Player
	deleted bool
}

func (g *gormGameTx) Game() *models.Game {
	return g.game
}

func (g *gormGameTx) Players() []models.Player {
	return g.players
}

func (g *gormGameTx) Card(cardID uint) (*models.Card, error) {
	var card models.Card
	if err := g.tx.First(&card, cardID).Error; err != nil {
		return nil, notFound(err)
	}
	return &card, nil
}

func (g *gormGameTx) RemovePlayer(playerID uint) error {
	if g.deleted {
		return ErrGameDeleted
	}
	for i, player := range g.players {
		if player.ID != playerID {
			continue
		}
		if err := g.tx.Delete(&models.Player{}, player.ID).Error; err != nil {
			return err
		}
		if err := g.tx.Delete(&models.Card{}, player.CardID).Error; err != nil {
			return err
		}
		g.players = append(g.players[:i:i], g.players[i+1:]...)
		return nil
	}
	return ErrNotFound
}

func (g *gormGameTx) Delete() error {
	if g.deleted {
		return ErrGameDeleted
	}
	// keep the terminal status on the soft-deleted row
	if err := g.tx.Omit(clause.Associations).Save(g.game).Error; err != nil {
		return err
	}
	cardIDs := make([]uint, 0, len(g.players))
	for _, player := range g.players {
		cardIDs = append(cardIDs, player.CardID)
	}
	if err := g.tx.Where("game_id = ?", g.game.ID).Delete(&models.Player{}).Error; err != nil {
		return err
	}
	if len(cardIDs) > 0 {
		if err := g.tx.Delete(&models.Card{}, cardIDs).Error; err != nil {
			return err
		}
	}
	if err := g.tx.Delete(&models.Game{}, g.game.ID).Error; err != nil {
		return err
	}
	g.players = nil
	g.deleted = true
	return nil
}
