package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"roomsync/internal/directory"
	"roomsync/internal/models"
)

type UserRepository struct {
	DB *gorm.DB
}

func (r *UserRepository) CreateUser(user *models.User) error {
	return r.DB.Create(user).Error
}

// Lookup returns the username used as the display name for userID.
func (r *UserRepository) Lookup(ctx context.Context, userID string) (string, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Select("username").First(&user, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", directory.ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return user.Username, nil
}
