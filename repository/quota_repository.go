package repository

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anivid/models"
)

// ErrQuotaExhausted is returned by Consume when the guarded atomic increment
// finds no remaining allowance. Concurrent sends racing for the last unit get
// this instead of both succeeding.
var ErrQuotaExhausted = errors.New("monthly chat quota exhausted")

// ErrQuotaNotFound is returned when no quota row exists for the user.
var ErrQuotaNotFound = errors.New("quota record not found")

// QuotaRepository defines the interface for interacting with chat quota data.
type QuotaRepository interface {
	GetQuota(userID string) (*models.ChatQuota, error)
	CreateQuota(quota *models.ChatQuota) (*models.ChatQuota, error)
	UpdateQuota(userID string, level models.MembershipLevel, limit models.QuotaLimit, resetAt time.Time, monthlyUsed *int) (*models.ChatQuota, error)
	ResetQuota(userID string, level models.MembershipLevel, limit models.QuotaLimit, resetAt time.Time) (*models.ChatQuota, error)
	Consume(userID string, usage *models.ChatUsageLog) error
	LogUsage(usage *models.ChatUsageLog) error
	FindExpired(now time.Time) ([]models.ChatQuota, error)
	UsageSince(userID string, since time.Time) (int64, error)
}

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new instance of QuotaRepository.
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

// GetQuota retrieves the quota row for a user. Returns ErrQuotaNotFound when
// no row exists; the service layer creates one lazily.
func (r *quotaRepository) GetQuota(userID string) (*models.ChatQuota, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	var quota models.ChatQuota
	err := r.db.First(&quota, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuotaNotFound
		}
		log.Printf("ERROR: [QuotaRepository] Failed to fetch quota for user %s: %v", userID, err)
		return nil, fmt.Errorf("failed to fetch quota for user %s: %w", userID, err)
	}
	return &quota, nil
}

// CreateQuota inserts a quota row. A concurrent first access may race the
// insert; OnConflict DoNothing keeps the first writer's row, and the current
// state is re-read afterwards so both callers see the same record.
func (r *quotaRepository) CreateQuota(quota *models.ChatQuota) (*models.ChatQuota, error) {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(quota).Error
	if err != nil {
		log.Printf("ERROR: [QuotaRepository] Failed to create quota for user %s: %v", quota.UserID, err)
		return nil, fmt.Errorf("failed to create quota for user %s: %w", quota.UserID, err)
	}

	var current models.ChatQuota
	if err := r.db.First(&current, "user_id = ?", quota.UserID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch quota for user %s after create: %w", quota.UserID, err)
	}
	log.Printf("INFO: [QuotaRepository] Quota row ready for user %s (level=%s, quota=%d).", current.UserID, current.MembershipLevel, current.MonthlyQuota)
	return &current, nil
}

// UpdateQuota rewrites the tier-derived fields. monthlyUsed is optional;
// when nil the current usage is preserved (downgrades keep what was spent).
func (r *quotaRepository) UpdateQuota(userID string, level models.MembershipLevel, limit models.QuotaLimit, resetAt time.Time, monthlyUsed *int) (*models.ChatQuota, error) {
	updates := map[string]interface{}{
		"membership_level": level,
		"monthly_quota":    limit.Sentinel(),
		"quota_reset_at":   resetAt,
	}
	if monthlyUsed != nil {
		updates["monthly_used"] = *monthlyUsed
	}

	res := r.db.Model(&models.ChatQuota{}).Where("user_id = ?", userID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update quota for user %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrQuotaNotFound
	}
	return r.GetQuota(userID)
}

// ResetQuota starts a new cycle: usage back to zero, tier fields rewritten.
func (r *quotaRepository) ResetQuota(userID string, level models.MembershipLevel, limit models.QuotaLimit, resetAt time.Time) (*models.ChatQuota, error) {
	zero := 0
	return r.UpdateQuota(userID, level, limit, resetAt, &zero)
}

// Consume debits one admission unit and records the usage log inside a
// single transaction. The UPDATE carries the remaining-allowance guard, so
// the check and the increment are one atomic database operation; two
// concurrent sends can never both take the last unit.
func (r *quotaRepository) Consume(userID string, usage *models.ChatUsageLog) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatQuota{}).
			Where("user_id = ? AND monthly_quota <> ? AND monthly_used < monthly_quota", userID, models.UnlimitedSentinel).
			Updates(map[string]interface{}{
				"monthly_used": gorm.Expr("monthly_used + 1"),
				"total_used":   gorm.Expr("total_used + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to increment quota usage for user %s: %w", userID, res.Error)
		}
		if res.RowsAffected == 0 {
			var quota models.ChatQuota
			if err := tx.First(&quota, "user_id = ?", userID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrQuotaNotFound
				}
				return fmt.Errorf("failed to fetch quota for user %s during consume: %w", userID, err)
			}
			return ErrQuotaExhausted
		}
		return tx.Create(usage).Error
	})
}

// LogUsage records a usage log row without touching the quota counters.
// Used for unlimited tiers, where consumption is analytics-only.
func (r *quotaRepository) LogUsage(usage *models.ChatUsageLog) error {
	if err := r.db.Create(usage).Error; err != nil {
		return fmt.Errorf("failed to create usage log for user %s: %w", usage.UserID, err)
	}
	return nil
}

// FindExpired returns quota rows whose cycle boundary has passed. Used by
// the admin sweep; the read-time mismatch check remains the primary guard.
func (r *quotaRepository) FindExpired(now time.Time) ([]models.ChatQuota, error) {
	var quotas []models.ChatQuota
	err := r.db.Where("quota_reset_at < ?", now).Find(&quotas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired quotas: %w", err)
	}
	return quotas, nil
}

// UsageSince counts usage log rows for a user from the given instant.
func (r *quotaRepository) UsageSince(userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.ChatUsageLog{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count usage for user %s: %w", userID, err)
	}
	return count, nil
}
