package services

import (
	"errors"
	"log"
	"time"

	"anivid/models"
	"anivid/repository"
)

// MembershipService answers "what tier is this user on, right now". The
// answer always comes from the user row, never from a quota row's cached
// copy of the tier.
type MembershipService interface {
	GetLevel(userID string) (models.MembershipLevel, error)
}

type membershipService struct {
	userRepo repository.UserRepository
	now      func() time.Time
}

// NewMembershipService creates a new instance of MembershipService.
func NewMembershipService(userRepo repository.UserRepository) MembershipService {
	return &membershipService{userRepo: userRepo, now: time.Now}
}

// GetLevel returns the user's live membership tier. A lapsed subscription
// downgrades to free and the user row is corrected in place, so later reads
// agree without re-deriving.
func (s *membershipService) GetLevel(userID string) (models.MembershipLevel, error) {
	user, err := s.userRepo.GetUser(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.LevelFree, err
		}
		return models.LevelFree, err
	}

	now := s.now()
	if user.SubExpiredAt != nil && user.SubExpiredAt.Before(now) {
		if user.SubPlanType != string(models.LevelFree) {
			log.Printf("INFO: [MembershipService] Subscription expired for user %s, downgrading to free.", userID)
			if err := s.userRepo.UpdateSubscription(userID, string(models.LevelFree), false); err != nil {
				log.Printf("WARN: [MembershipService] Failed to persist downgrade for user %s: %v", userID, err)
			}
		}
		return models.LevelFree, nil
	}

	return user.CurrentLevel(now), nil
}
