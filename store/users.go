package store

import (
	"context"
	"errors"
	"time"

	"openbingo/models"

	"gorm.io/gorm"
)

var ErrDuplicate = errors.New("duplicate record")

// Users is the account table behind the identity provider.
type Users interface {
	// CreateUser returns ErrDuplicate when the username is taken.
	CreateUser(ctx context.Context, user *models.User) error
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id uint) (*models.User, error)
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (s *GormStore) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *GormStore) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return ErrDuplicate
		}
	}
	now := time.Now().UTC()
	user.ID = s.nextUserID
	s.nextUserID++
	user.CreatedAt = now
	user.UpdatedAt = now
	stored := *user
	s.users[user.ID] = &stored
	return nil
}

func (s *MemoryStore) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			out := *user
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UserByID(ctx context.Context, id uint) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *user
	return &out, nil
}
