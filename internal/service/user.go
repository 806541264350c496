package service

import (
	"context"
	"errors"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserService keeps the local mirror of identities issued elsewhere.
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// Ensure records the user on first sight; later calls only refresh the username.
func (s *UserService) Ensure(ctx context.Context, id, username string) error {
	u := models.User{ID: id, Username: username}
	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}
	if username != "" {
		conflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
		}
	}
	return s.db.WithContext(ctx).Clauses(conflict).Create(&u).Error
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}
