package models

import (
	"math/rand"
	"strings"
	"time"
)

// Character visibility levels.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Character is the persona a user chats with. Persona fields feed the system
// prompt; visibility gates who may open a session.
type Character struct {
	CharacterID     string    `gorm:"primaryKey;column:character_id" json:"character_id"`
	UserID          string    `gorm:"index;not null" json:"user_id"` // owner
	Name            string    `gorm:"not null" json:"name"`
	Age             string    `json:"age"`
	Gender          string    `json:"gender"`
	Species         string    `json:"species"`
	Role            string    `json:"role"`
	Visibility      string    `gorm:"type:varchar(20);not null;default:'public'" json:"visibility"`
	PersonalityTags string    `gorm:"type:text" json:"personality_tags"` // comma separated
	BackgroundStory string    `gorm:"type:text" json:"background_story"`
	Greetings       string    `gorm:"type:text" json:"greetings"` // newline separated
	Quotes          string    `gorm:"type:text" json:"quotes"`    // newline separated
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for the Character model.
func (Character) TableName() string {
	return "characters"
}

// VisibleTo reports whether userID may chat with the character. Private
// characters are owner-only.
func (c *Character) VisibleTo(userID string) bool {
	return c.Visibility == VisibilityPublic || c.UserID == userID
}

// GreetingList returns the character's non-empty greeting lines.
func (c *Character) GreetingList() []string {
	var greetings []string
	for _, line := range strings.Split(c.Greetings, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			greetings = append(greetings, line)
		}
	}
	return greetings
}

// PickGreeting returns one greeting at random, or "" when none are defined.
func (c *Character) PickGreeting() string {
	greetings := c.GreetingList()
	if len(greetings) == 0 {
		return ""
	}
	return greetings[rand.Intn(len(greetings))]
}
