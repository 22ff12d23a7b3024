package models

import "time"

// UnlimitedResetAt is the far-future reset timestamp stored for unlimited
// tiers. The column is NOT NULL, so a sentinel is used instead of null.
var UnlimitedResetAt = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

// ChatQuota tracks a user's monthly chat allowance. One row per user,
// created lazily on first access and kept for the user's lifetime.
type ChatQuota struct {
	UserID          string          `gorm:"primaryKey;column:user_id" json:"user_id"`
	MembershipLevel MembershipLevel `gorm:"type:varchar(20);not null" json:"membership_level"`
	MonthlyQuota    int             `gorm:"not null" json:"monthly_quota"` // -1 = unlimited
	MonthlyUsed     int             `gorm:"not null;default:0" json:"monthly_used"`
	TotalUsed       int             `gorm:"not null;default:0" json:"total_used"`
	QuotaResetAt    time.Time       `gorm:"not null" json:"quota_reset_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName specifies the table name for the ChatQuota model.
func (ChatQuota) TableName() string {
	return "chat_quotas"
}

// Limit returns the allowance as a QuotaLimit, hiding the -1 sentinel.
func (q *ChatQuota) Limit() QuotaLimit {
	return QuotaLimitFromSentinel(q.MonthlyQuota)
}

// Exhausted reports whether the user has spent the month's allowance.
func (q *ChatQuota) Exhausted() bool {
	return q.Limit().Exhausted(q.MonthlyUsed)
}

// ChatUsageLog records one consumed chat turn, for analytics. Written for
// unlimited tiers too, even though those never debit the quota row.
type ChatUsageLog struct {
	ID              string          `gorm:"primaryKey;column:id" json:"id"`
	UserID          string          `gorm:"index;not null" json:"user_id"`
	SessionID       string          `gorm:"index;not null" json:"session_id"`
	MembershipLevel MembershipLevel `gorm:"type:varchar(20);not null" json:"membership_level"`
	TokensUsed      int             `gorm:"not null;default:0" json:"tokens_used"`
	UnitsUsed       int             `gorm:"not null;default:1" json:"units_used"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableName specifies the table name for the ChatUsageLog model.
func (ChatUsageLog) TableName() string {
	return "chat_usage_logs"
}

// NextMonthFirstDay returns the first instant of the month after now, in UTC.
// UTC keeps quota cycles globally consistent regardless of client time zone.
func NextMonthFirstDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
