package services

import (
	"fmt"

	"anivid/config"
	"anivid/models"
	"anivid/repository"
)

// ContextService assembles the sliding conversation window sent to the
// model: the newest windowSize*2 non-archived turns, oldest first, where
// windowSize (in rounds) comes from the caller's tier.
type ContextService interface {
	Build(sessionID, userID string) ([]models.ChatTurn, error)
}

type contextService struct {
	chatRepo   repository.ChatRepository
	membership MembershipService
	cfg        *config.Config
}

// NewContextService creates a new instance of ContextService.
func NewContextService(chatRepo repository.ChatRepository, membership MembershipService, cfg *config.Config) ContextService {
	return &contextService{chatRepo: chatRepo, membership: membership, cfg: cfg}
}

// Build returns the bounded tail of the session as role/content pairs.
// Archived rows never appear, so clearing a chat shrinks the window
// immediately without touching audit history.
func (s *contextService) Build(sessionID, userID string) ([]models.ChatTurn, error) {
	level, err := s.membership.GetLevel(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership level for user %s: %w", userID, err)
	}

	windowSize := s.cfg.TierFor(level).ContextWindowSize
	messages, err := s.chatRepo.RecentContext(sessionID, windowSize*2)
	if err != nil {
		return nil, err
	}

	turns := make([]models.ChatTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}
