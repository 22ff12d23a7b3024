package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"anivid/models"
)

func seedSession(t *testing.T, repo ChatRepository, sessionID, userID string) {
	t.Helper()
	err := repo.CreateSession(&models.ChatSession{
		SessionID:   sessionID,
		UserID:      userID,
		CharacterID: "char1",
		Title:       "Luna",
	})
	if err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
}

func appendTurn(t *testing.T, repo ChatRepository, sessionID, userID, role, content string) {
	t.Helper()
	err := repo.AppendMessage(&models.ChatMessage{
		ID:          fmt.Sprintf("msg-%s-%s-%s", sessionID, role, content),
		SessionID:   sessionID,
		UserID:      userID,
		CharacterID: "char1",
		Role:        role,
		Content:     content,
	})
	if err != nil {
		t.Fatalf("failed to append message: %v", err)
	}
}

func TestChatRepository_AppendMessage(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	seedSession(t, repo, "session1", "user1")

	appendTurn(t, repo, "session1", "user1", models.RoleUser, "first")
	appendTurn(t, repo, "session1", "user1", models.RoleAssistant, "second")
	appendTurn(t, repo, "session1", "user1", models.RoleUser, "third")

	t.Run("Indexes are dense and ordered by arrival", func(t *testing.T) {
		messages, err := repo.ActiveMessages("session1")
		assert.NoError(t, err)
		assert.Len(t, messages, 3)
		for i, m := range messages {
			assert.Equal(t, i+1, m.MessageIndex)
		}
		assert.Equal(t, "first", messages[0].Content)
		assert.Equal(t, "third", messages[2].Content)
	})

	t.Run("Session counters track the appended turns", func(t *testing.T) {
		session, err := repo.GetSession("session1")
		assert.NoError(t, err)
		assert.Equal(t, 3, session.MessageCount)
		assert.NotNil(t, session.LastMessageAt)
	})
}

func TestChatRepository_RecentContext(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	seedSession(t, repo, "session1", "user1")
	for i := 0; i < 6; i++ {
		appendTurn(t, repo, "session1", "user1", models.RoleUser, fmt.Sprintf("m%d", i))
	}

	t.Run("Returns the newest rows in ascending order", func(t *testing.T) {
		messages, err := repo.RecentContext("session1", 4)
		assert.NoError(t, err)
		assert.Len(t, messages, 4)
		assert.Equal(t, "m2", messages[0].Content)
		assert.Equal(t, "m5", messages[3].Content)
	})

	t.Run("Short sessions come back whole", func(t *testing.T) {
		messages, err := repo.RecentContext("session1", 100)
		assert.NoError(t, err)
		assert.Len(t, messages, 6)
	})
}

func TestChatRepository_ArchiveSession(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	seedSession(t, repo, "session1", "user1")
	appendTurn(t, repo, "session1", "user1", models.RoleUser, "hello")
	appendTurn(t, repo, "session1", "user1", models.RoleAssistant, "hi")

	err := repo.ArchiveSession("session1", "user1")
	assert.NoError(t, err)

	t.Run("Active view is empty after archiving", func(t *testing.T) {
		messages, err := repo.ActiveMessages("session1")
		assert.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("History still shows archived rows", func(t *testing.T) {
		messages, err := repo.History("session1", 50, 0)
		assert.NoError(t, err)
		assert.Len(t, messages, 2)
		assert.True(t, messages[0].IsArchived)
	})

	t.Run("Counters reset so a fresh conversation can start", func(t *testing.T) {
		session, err := repo.GetSession("session1")
		assert.NoError(t, err)
		assert.Equal(t, 0, session.MessageCount)
	})

	t.Run("New turns after clearing start the window over", func(t *testing.T) {
		appendTurn(t, repo, "session1", "user1", models.RoleUser, "again")
		messages, err := repo.ActiveMessages("session1")
		assert.NoError(t, err)
		assert.Len(t, messages, 1)
		// index keeps growing; the log is append-only
		assert.Equal(t, 3, messages[0].MessageIndex)
	})
}

func TestChatRepository_GetSession(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))

	_, err := repo.GetSession("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
