package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"anivid/config"
	"anivid/models"
	"anivid/repository"
)

// QuotaService owns the quota lifecycle: lazy creation, tier-aware monthly
// reset, atomic consumption, and the membership-change hook billing calls.
type QuotaService interface {
	GetCurrent(userID string) (*models.ChatQuota, error)
	Reset(userID string) (*models.ChatQuota, error)
	Consume(userID, sessionID string, tokensUsed int) error
	UpdateForMembershipChange(userID string, newLevel models.MembershipLevel) error
	ResetExpired() (int, error)
	TodayUsage(userID string) (int64, error)
}

type quotaService struct {
	repo       repository.QuotaRepository
	membership MembershipService
	cfg        *config.Config
	now        func() time.Time
}

// NewQuotaService creates a new instance of QuotaService.
func NewQuotaService(repo repository.QuotaRepository, membership MembershipService, cfg *config.Config) QuotaService {
	return &quotaService{repo: repo, membership: membership, cfg: cfg, now: time.Now}
}

// needsReset is true when the stored tier no longer matches the live one, or
// when a limited tier's cycle boundary has passed. The tier-mismatch branch
// closes the hole where a lapsed paid tier kept unlimited semantics because
// the row was not naturally due for reset.
func needsReset(quota *models.ChatQuota, liveLevel models.MembershipLevel, now time.Time) bool {
	if quota.MembershipLevel != liveLevel {
		return true
	}
	if quota.Limit().Unlimited() {
		return false
	}
	return !now.Before(quota.QuotaResetAt)
}

// resetAtFor returns the next cycle boundary to store: the first instant of
// next month, or the far-future sentinel for unlimited tiers.
func resetAtFor(limit models.QuotaLimit, now time.Time) time.Time {
	if limit.Unlimited() {
		return models.UnlimitedResetAt
	}
	return models.NextMonthFirstDay(now)
}

// GetCurrent returns the user's quota row, creating it lazily and resetting
// it when the cycle rolled over or the stored tier went stale.
func (s *quotaService) GetCurrent(userID string) (*models.ChatQuota, error) {
	liveLevel, err := s.membership.GetLevel(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership level for user %s: %w", userID, err)
	}

	quota, err := s.repo.GetQuota(userID)
	if errors.Is(err, repository.ErrQuotaNotFound) {
		quota, err = s.createInitial(userID, liveLevel)
	}
	if err != nil {
		return nil, err
	}

	if needsReset(quota, liveLevel, s.now()) {
		log.Printf("INFO: [QuotaService] Resetting quota for user %s (stored=%s, live=%s).", userID, quota.MembershipLevel, liveLevel)
		return s.resetTo(userID, liveLevel)
	}
	return quota, nil
}

func (s *quotaService) createInitial(userID string, level models.MembershipLevel) (*models.ChatQuota, error) {
	limit := s.cfg.TierFor(level).Limit()
	now := s.now()
	return s.repo.CreateQuota(&models.ChatQuota{
		UserID:          userID,
		MembershipLevel: level,
		MonthlyQuota:    limit.Sentinel(),
		MonthlyUsed:     0,
		QuotaResetAt:    resetAtFor(limit, now),
	})
}

// Reset starts a fresh cycle against the user's LIVE tier. The stored
// membership_level is deliberately not trusted here.
func (s *quotaService) Reset(userID string) (*models.ChatQuota, error) {
	liveLevel, err := s.membership.GetLevel(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership level for user %s: %w", userID, err)
	}
	return s.resetTo(userID, liveLevel)
}

func (s *quotaService) resetTo(userID string, level models.MembershipLevel) (*models.ChatQuota, error) {
	limit := s.cfg.TierFor(level).Limit()
	quota, err := s.repo.ResetQuota(userID, level, limit, resetAtFor(limit, s.now()))
	if errors.Is(err, repository.ErrQuotaNotFound) {
		return s.createInitial(userID, level)
	}
	return quota, err
}

// Consume debits one admission unit for a completed chat turn. Unlimited
// tiers only get a usage-log row; limited tiers are debited atomically
// together with the log insert. Quota is metered per message, not per token;
// tokensUsed is analytics payload only.
func (s *quotaService) Consume(userID, sessionID string, tokensUsed int) error {
	quota, err := s.GetCurrent(userID)
	if err != nil {
		return err
	}

	usage := &models.ChatUsageLog{
		ID:              uuid.NewString(),
		UserID:          userID,
		SessionID:       sessionID,
		MembershipLevel: quota.MembershipLevel,
		TokensUsed:      tokensUsed,
		UnitsUsed:       1,
	}

	if quota.Limit().Unlimited() {
		return s.repo.LogUsage(usage)
	}
	return s.repo.Consume(userID, usage)
}

// UpdateForMembershipChange is called by the billing subsystem the moment a
// tier changes, rather than waiting for the next read-time check. Upgrading
// to an unlimited tier zeroes usage; other changes keep what was spent.
func (s *quotaService) UpdateForMembershipChange(userID string, newLevel models.MembershipLevel) error {
	limit := s.cfg.TierFor(newLevel).Limit()
	now := s.now()
	resetAt := resetAtFor(limit, now)

	var monthlyUsed *int
	if limit.Unlimited() {
		zero := 0
		monthlyUsed = &zero
	}

	_, err := s.repo.UpdateQuota(userID, newLevel, limit, resetAt, monthlyUsed)
	if errors.Is(err, repository.ErrQuotaNotFound) {
		_, err = s.repo.CreateQuota(&models.ChatQuota{
			UserID:          userID,
			MembershipLevel: newLevel,
			MonthlyQuota:    limit.Sentinel(),
			QuotaResetAt:    resetAt,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to update quota for membership change of user %s: %w", userID, err)
	}
	log.Printf("INFO: [QuotaService] Quota updated for membership change: user=%s level=%s.", userID, newLevel)
	return nil
}

// ResetExpired sweeps rows whose cycle boundary passed and resets each one
// against the owner's live tier. Exposed for an external scheduler; no
// in-process timer runs this.
func (s *quotaService) ResetExpired() (int, error) {
	expired, err := s.repo.FindExpired(s.now())
	if err != nil {
		return 0, err
	}

	resetCount := 0
	for _, quota := range expired {
		if _, err := s.Reset(quota.UserID); err != nil {
			log.Printf("ERROR: [QuotaService] Failed to reset expired quota for user %s: %v", quota.UserID, err)
			continue
		}
		resetCount++
	}
	return resetCount, nil
}

// TodayUsage counts turns consumed since UTC midnight.
func (s *quotaService) TodayUsage(userID string) (int64, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.UsageSince(userID, midnight)
}
