package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"anivid/models"
)

// ErrUserNotFound is returned when a user id resolves to nothing.
var ErrUserNotFound = errors.New("user not found")

// UserRepository reads and updates the subscription fields of a user row.
// The user row is always consulted fresh for membership decisions; quota
// rows never get to cache the tier authoritatively.
type UserRepository interface {
	GetUser(userID string) (*models.User, error)
	UpdateSubscription(userID string, planType string, isSub bool) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetUser(userID string) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to fetch user %s: %w", userID, err)
	}
	return &user, nil
}

func (r *userRepository) UpdateSubscription(userID string, planType string, isSub bool) error {
	res := r.db.Model(&models.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"sub_plan_type": planType,
			"is_sub":        isSub,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update subscription for user %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
