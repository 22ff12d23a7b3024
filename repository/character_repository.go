package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"anivid/models"
)

// ErrCharacterNotFound is returned when a character id resolves to nothing.
var ErrCharacterNotFound = errors.New("character not found")

// CharacterRepository reads character personas. Character CRUD is owned by
// another subsystem; the chat core only reads.
type CharacterRepository interface {
	GetCharacter(characterID string) (*models.Character, error)
}

type characterRepository struct {
	db *gorm.DB
}

// NewCharacterRepository creates a new instance of CharacterRepository.
func NewCharacterRepository(db *gorm.DB) CharacterRepository {
	return &characterRepository{db: db}
}

func (r *characterRepository) GetCharacter(characterID string) (*models.Character, error) {
	var character models.Character
	err := r.db.First(&character, "character_id = ?", characterID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("failed to fetch character %s: %w", characterID, err)
	}
	return &character, nil
}
