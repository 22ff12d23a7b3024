package repository

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"anivid/models"
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("chat session not found")

// ChatRepository persists sessions and their append-only message log.
type ChatRepository interface {
	GetSession(sessionID string) (*models.ChatSession, error)
	CreateSession(session *models.ChatSession) error
	ListSessions(userID string, characterID string, limit, offset int) ([]models.ChatSession, error)
	AppendMessage(message *models.ChatMessage) error
	History(sessionID string, limit, offset int) ([]models.ChatMessage, error)
	ActiveMessages(sessionID string) ([]models.ChatMessage, error)
	RecentContext(sessionID string, limit int) ([]models.ChatMessage, error)
	ArchiveSession(sessionID, userID string) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new instance of ChatRepository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// GetSession fetches a session by id.
func (r *chatRepository) GetSession(sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := r.db.First(&session, "session_id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}
	return &session, nil
}

// CreateSession inserts a new session row.
func (r *chatRepository) CreateSession(session *models.ChatSession) error {
	if err := r.db.Create(session).Error; err != nil {
		log.Printf("ERROR: [ChatRepository] Failed to create session for user %s: %v", session.UserID, err)
		return fmt.Errorf("failed to create session for user %s: %w", session.UserID, err)
	}
	log.Printf("INFO: [ChatRepository] Session %s created for user %s (character %s).", session.SessionID, session.UserID, session.CharacterID)
	return nil
}

// ListSessions returns a user's sessions, most recently updated first.
// characterID narrows to one character when non-empty.
func (r *chatRepository) ListSessions(userID string, characterID string, limit, offset int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.db.Where("user_id = ?", userID)
	if characterID != "" {
		q = q.Where("character_id = ?", characterID)
	}
	var sessions []models.ChatSession
	err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	return sessions, nil
}

// AppendMessage inserts one turn at the next message index and bumps the
// session counters. Runs in a transaction so the index assignment and the
// counter update stay consistent; ordering within a session follows request
// arrival because each send persists sequentially.
func (r *chatRepository) AppendMessage(message *models.ChatMessage) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var last struct{ MessageIndex int }
		err := tx.Model(&models.ChatMessage{}).
			Select("message_index").
			Where("session_id = ?", message.SessionID).
			Order("message_index DESC").
			Limit(1).
			Scan(&last).Error
		if err != nil {
			return fmt.Errorf("failed to read last message index for session %s: %w", message.SessionID, err)
		}
		message.MessageIndex = last.MessageIndex + 1

		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("failed to append message to session %s: %w", message.SessionID, err)
		}

		now := time.Now()
		return tx.Model(&models.ChatSession{}).
			Where("session_id = ?", message.SessionID).
			Updates(map[string]interface{}{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": now,
			}).Error
	})
}

// History returns session messages in chronological order, archived rows
// included. Meant for history display, not context assembly.
func (r *chatRepository) History(sessionID string, limit, offset int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []models.ChatMessage
	err := r.db.Where("session_id = ?", sessionID).
		Order("message_index ASC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// ActiveMessages returns all non-archived messages of a session in
// chronological order. Round and token ceilings are computed over these.
func (r *chatRepository) ActiveMessages(sessionID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.Where("session_id = ? AND is_archived = ?", sessionID, false).
		Order("message_index ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active messages for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// RecentContext returns the bounded tail of non-archived messages in
// chronological order: the newest `limit` rows, oldest first. This is the
// sliding context window; no pagination cursor is exposed.
func (r *chatRepository) RecentContext(sessionID string, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.Where("session_id = ? AND is_archived = ?", sessionID, false).
		Order("message_index DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch context for session %s: %w", sessionID, err)
	}
	// Reverse into ascending order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ArchiveSession flags every message of the session as archived and zeroes
// the session counters. Archive, not delete: context shrinks immediately
// while audit history survives.
func (r *chatRepository) ArchiveSession(sessionID, userID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatMessage{}).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Update("is_archived", true)
		if res.Error != nil {
			return fmt.Errorf("failed to archive messages for session %s: %w", sessionID, res.Error)
		}

		return tx.Model(&models.ChatSession{}).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Updates(map[string]interface{}{
				"message_count":   0,
				"last_message_at": nil,
			}).Error
	})
}
