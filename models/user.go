package models

import "time"

// User carries the subscription fields the chat core needs. Profile CRUD
// lives elsewhere; this row is the authoritative source for membership tier.
type User struct {
	UserID       string     `gorm:"primaryKey;column:user_id" json:"user_id"`
	Email        string     `gorm:"index" json:"email"`
	Nickname     string     `json:"nickname"`
	IsSub        bool       `gorm:"not null;default:false" json:"is_sub"`
	SubPlanType  string     `gorm:"type:varchar(20);not null;default:'free'" json:"sub_plan_type"`
	SubExpiredAt *time.Time `json:"sub_expired_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for the User model.
func (User) TableName() string {
	return "users"
}

// CurrentLevel derives the live membership tier from the subscription fields.
// A lapsed subscription is free regardless of the stored plan type.
func (u *User) CurrentLevel(now time.Time) MembershipLevel {
	if u.SubExpiredAt != nil && u.SubExpiredAt.Before(now) {
		return LevelFree
	}
	if !u.IsSub {
		return LevelFree
	}
	return ParseMembershipLevel(u.SubPlanType)
}
