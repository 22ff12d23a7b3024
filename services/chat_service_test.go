package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"anivid/config"
	"anivid/models"
	"anivid/repository"
)

// MockChatRepository is a mock type for the ChatRepository interface
type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) GetSession(sessionID string) (*models.ChatSession, error) {
	args := m.Called(sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockChatRepository) CreateSession(session *models.ChatSession) error {
	args := m.Called(session)
	return args.Error(0)
}

func (m *MockChatRepository) ListSessions(userID string, characterID string, limit, offset int) ([]models.ChatSession, error) {
	args := m.Called(userID, characterID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatSession), args.Error(1)
}

func (m *MockChatRepository) AppendMessage(message *models.ChatMessage) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockChatRepository) History(sessionID string, limit, offset int) ([]models.ChatMessage, error) {
	args := m.Called(sessionID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockChatRepository) ActiveMessages(sessionID string) ([]models.ChatMessage, error) {
	args := m.Called(sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockChatRepository) RecentContext(sessionID string, limit int) ([]models.ChatMessage, error) {
	args := m.Called(sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockChatRepository) ArchiveSession(sessionID, userID string) error {
	args := m.Called(sessionID, userID)
	return args.Error(0)
}

// MockCharacterRepository is a mock type for the CharacterRepository interface
type MockCharacterRepository struct {
	mock.Mock
}

func (m *MockCharacterRepository) GetCharacter(characterID string) (*models.Character, error) {
	args := m.Called(characterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Character), args.Error(1)
}

// MockQuotaService is a mock type for the QuotaService interface
type MockQuotaService struct {
	mock.Mock
}

func (m *MockQuotaService) GetCurrent(userID string) (*models.ChatQuota, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatQuota), args.Error(1)
}

func (m *MockQuotaService) Reset(userID string) (*models.ChatQuota, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatQuota), args.Error(1)
}

func (m *MockQuotaService) Consume(userID, sessionID string, tokensUsed int) error {
	args := m.Called(userID, sessionID, tokensUsed)
	return args.Error(0)
}

func (m *MockQuotaService) UpdateForMembershipChange(userID string, newLevel models.MembershipLevel) error {
	args := m.Called(userID, newLevel)
	return args.Error(0)
}

func (m *MockQuotaService) ResetExpired() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *MockQuotaService) TodayUsage(userID string) (int64, error) {
	args := m.Called(userID)
	return args.Get(0).(int64), args.Error(1)
}

// MockContextService is a mock type for the ContextService interface
type MockContextService struct {
	mock.Mock
}

func (m *MockContextService) Build(sessionID, userID string) ([]models.ChatTurn, error) {
	args := m.Called(sessionID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatTurn), args.Error(1)
}

// MockPromptService is a mock type for the PromptService interface
type MockPromptService struct {
	mock.Mock
}

func (m *MockPromptService) BuildSystemPrompt(character *models.Character) string {
	args := m.Called(character)
	return args.String(0)
}

// fakeTokenStream replays scripted deltas and then EOF or a terminal error.
type fakeTokenStream struct {
	deltas []string
	err    error
	pos    int
	closed bool
}

func (f *fakeTokenStream) Recv() (string, error) {
	if f.pos >= len(f.deltas) {
		if f.err != nil {
			return "", f.err
		}
		return "", io.EOF
	}
	delta := f.deltas[f.pos]
	f.pos++
	return delta, nil
}

func (f *fakeTokenStream) Close() error {
	f.closed = true
	return nil
}

type fakeLLMClient struct {
	stream  *fakeTokenStream
	openErr error
	lastReq LLMRequest
}

func (f *fakeLLMClient) StreamCompletion(ctx context.Context, req LLMRequest) (TokenStream, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

// frameRecord captures one framer call for ordering assertions.
type frameRecord struct {
	kind    string
	payload interface{}
}

type recordingFramer struct {
	frames []frameRecord
}

func (r *recordingFramer) WriteSession(sessionID string) error {
	r.frames = append(r.frames, frameRecord{FrameSession, sessionID})
	return nil
}

func (r *recordingFramer) WriteChunk(cumulative string) error {
	r.frames = append(r.frames, frameRecord{FrameChunk, cumulative})
	return nil
}

func (r *recordingFramer) WriteComplete(payload CompletePayload) error {
	r.frames = append(r.frames, frameRecord{FrameComplete, payload})
	return nil
}

func (r *recordingFramer) WriteError(payload interface{}) error {
	r.frames = append(r.frames, frameRecord{FrameError, payload})
	return nil
}

func (r *recordingFramer) WriteDone() error {
	r.frames = append(r.frames, frameRecord{"done", nil})
	return nil
}

func (r *recordingFramer) kinds() []string {
	kinds := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		kinds = append(kinds, f.kind)
	}
	return kinds
}

type chatServiceFixture struct {
	chatRepo      *MockChatRepository
	characterRepo *MockCharacterRepository
	membership    *MockMembershipService
	quota         *MockQuotaService
	contextSvc    *MockContextService
	prompt        *MockPromptService
	llm           *fakeLLMClient
	service       ChatService
}

func newChatServiceFixture() *chatServiceFixture {
	cfg := testTierConfig()
	cfg.LLMModels = map[string]config.ModelRoute{
		"base":    {ID: "gpt-3.5-turbo", Provider: "openai"},
		"premium": {ID: "gpt-4.1", Provider: "openai"},
	}

	f := &chatServiceFixture{
		chatRepo:      new(MockChatRepository),
		characterRepo: new(MockCharacterRepository),
		membership:    new(MockMembershipService),
		quota:         new(MockQuotaService),
		contextSvc:    new(MockContextService),
		prompt:        new(MockPromptService),
		llm:           &fakeLLMClient{},
	}
	f.service = NewChatService(
		f.chatRepo, f.characterRepo, f.membership, f.quota,
		f.contextSvc, f.prompt, f.llm, cfg,
	)
	return f
}

func publicCharacter() *models.Character {
	return &models.Character{
		CharacterID: "char1",
		UserID:      "owner",
		Name:        "Luna",
		Visibility:  models.VisibilityPublic,
		Greetings:   "Hello there!",
	}
}

func existingSession() *models.ChatSession {
	return &models.ChatSession{SessionID: "session1", UserID: "user1", CharacterID: "char1"}
}

func messagesOfRounds(rounds int) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, rounds*2)
	for i := 0; i < rounds; i++ {
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleUser, Content: "hi"},
			models.ChatMessage{Role: models.RoleAssistant, Content: "hey"},
		)
	}
	return msgs
}

func baseRequest() ChatRequest {
	return ChatRequest{UserID: "user1", CharacterID: "char1", SessionID: "session1", Message: "hello", Model: "base"}
}

func TestChatService_Prepare(t *testing.T) {
	ctx := context.Background()

	t.Run("Rejects at the round limit before any other gate", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(publicCharacter(), nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		f.chatRepo.On("ActiveMessages", "session1").Return(messagesOfRounds(10), nil)

		turn, err := f.service.Prepare(ctx, baseRequest())
		assert.Nil(t, turn)
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeMaxRoundsExceeded, admission.Code)
		f.quota.AssertNotCalled(t, "GetCurrent", mock.Anything)
	})

	t.Run("Rejects when cumulative tokens hit the tier budget", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(publicCharacter(), nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		// 2 non-system messages of 8000 chars = 4000 estimated tokens
		heavy := []models.ChatMessage{
			{Role: models.RoleUser, Content: strings.Repeat("a", 8000)},
			{Role: models.RoleAssistant, Content: strings.Repeat("b", 8000)},
		}
		f.chatRepo.On("ActiveMessages", "session1").Return(heavy, nil)

		_, err := f.service.Prepare(ctx, baseRequest())
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeMaxTokensExceeded, admission.Code)
	})

	t.Run("Rejects premium model on a free plan", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(publicCharacter(), nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		f.chatRepo.On("ActiveMessages", "session1").Return([]models.ChatMessage{}, nil)

		req := baseRequest()
		req.Model = "premium"
		_, err := f.service.Prepare(ctx, req)
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeModelNotAllowed, admission.Code)
	})

	t.Run("Rejects a private character for a non-owner", func(t *testing.T) {
		f := newChatServiceFixture()
		private := publicCharacter()
		private.Visibility = models.VisibilityPrivate
		f.characterRepo.On("GetCharacter", "char1").Return(private, nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		f.chatRepo.On("ActiveMessages", "session1").Return([]models.ChatMessage{}, nil)

		_, err := f.service.Prepare(ctx, baseRequest())
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeCharacterForbidden, admission.Code)
		f.quota.AssertNotCalled(t, "GetCurrent", mock.Anything)
	})

	t.Run("Rejects on exhausted quota with a snapshot and no writes", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(publicCharacter(), nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		f.chatRepo.On("ActiveMessages", "session1").Return([]models.ChatMessage{}, nil)
		resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		f.quota.On("GetCurrent", "user1").Return(&models.ChatQuota{
			UserID: "user1", MembershipLevel: models.LevelFree,
			MonthlyQuota: 100, MonthlyUsed: 100, QuotaResetAt: resetAt,
		}, nil)

		_, err := f.service.Prepare(ctx, baseRequest())
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeQuotaExceeded, admission.Code)
		assert.NotNil(t, admission.Quota)
		assert.Equal(t, 100, admission.Quota.Used)
		assert.Equal(t, resetAt, admission.Quota.ResetAt)
		f.chatRepo.AssertNotCalled(t, "AppendMessage", mock.Anything)
	})

	t.Run("Unknown character maps to a not-found rejection", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(nil, repository.ErrCharacterNotFound)

		_, err := f.service.Prepare(ctx, baseRequest())
		var admission *AdmissionError
		assert.ErrorAs(t, err, &admission)
		assert.Equal(t, CodeCharacterNotFound, admission.Code)
	})

	t.Run("Creates a session with greeting when none is supplied", func(t *testing.T) {
		f := newChatServiceFixture()
		f.characterRepo.On("GetCharacter", "char1").Return(publicCharacter(), nil)
		f.membership.On("GetLevel", "user1").Return(models.LevelFree, nil)
		f.chatRepo.On("CreateSession", mock.MatchedBy(func(s *models.ChatSession) bool {
			return s.UserID == "user1" && s.CharacterID == "char1" && s.Title == "Luna" && s.SessionID != ""
		})).Return(nil).Once()
		f.chatRepo.On("AppendMessage", mock.MatchedBy(func(m *models.ChatMessage) bool {
			return m.IsGreeting && m.Role == models.RoleAssistant && m.Content == "Hello there!"
		})).Return(nil).Once()
		f.chatRepo.On("ActiveMessages", mock.Anything).Return([]models.ChatMessage{}, nil)
		f.quota.On("GetCurrent", "user1").Return(&models.ChatQuota{
			MonthlyQuota: 100, MonthlyUsed: 0,
		}, nil)

		req := baseRequest()
		req.SessionID = ""
		turn, err := f.service.Prepare(ctx, req)
		assert.NoError(t, err)
		assert.True(t, turn.Created)
		f.chatRepo.AssertExpectations(t)
	})
}

func TestChatService_Stream(t *testing.T) {
	admittedTurn := func(f *chatServiceFixture) *PreparedTurn {
		return &PreparedTurn{
			Request:   baseRequest(),
			Session:   existingSession(),
			Character: publicCharacter(),
			Level:     models.LevelFree,
			Tier:      testTierConfig().Tiers["free"],
		}
	}

	t.Run("Happy path emits session, coalesced chunks, complete, done", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.stream = &fakeTokenStream{deltas: []string{"He", "llo", " wor", "ld", ", fr", "iend", "!"}}
		f.chatRepo.On("AppendMessage", mock.Anything).Return(nil).Twice()
		f.contextSvc.On("Build", "session1", "user1").Return([]models.ChatTurn{
			{Role: models.RoleUser, Content: "hello"},
		}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("You are Luna.")
		f.quota.On("Consume", "user1", "session1", mock.Anything).Return(nil).Once()

		framer := &recordingFramer{}
		err := f.service.Stream(context.Background(), admittedTurn(f), framer)
		assert.NoError(t, err)

		// 7 deltas, coalesced every 3, with a final flush for the remainder
		assert.Equal(t, []string{"session", "chunk", "chunk", "chunk", "complete", "done"}, framer.kinds())
		assert.Equal(t, "Hello wor", framer.frames[1].payload)
		assert.Equal(t, "Hello world, fr", framer.frames[2].payload)
		assert.Equal(t, "Hello world, friend!", framer.frames[3].payload)

		complete := framer.frames[4].payload.(CompletePayload)
		assert.Equal(t, "Hello world, friend!", complete.Message)
		assert.Equal(t, "session1", complete.SessionID)
		assert.Equal(t, (len("Hello world, friend!")+3)/4, complete.TokensUsed)
		assert.True(t, f.llm.stream.closed)
		f.quota.AssertExpectations(t)
	})

	t.Run("Chunk content is cumulative, not a delta", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.stream = &fakeTokenStream{deltas: []string{"a", "b", "c", "d", "e", "f"}}
		f.chatRepo.On("AppendMessage", mock.Anything).Return(nil)
		f.contextSvc.On("Build", mock.Anything, mock.Anything).Return([]models.ChatTurn{}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("sys")
		f.quota.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		framer := &recordingFramer{}
		err := f.service.Stream(context.Background(), admittedTurn(f), framer)
		assert.NoError(t, err)
		assert.Equal(t, "abc", framer.frames[1].payload)
		assert.Equal(t, "abcdef", framer.frames[2].payload)
	})

	t.Run("Mid-stream model failure sends an error frame and skips the debit", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.stream = &fakeTokenStream{deltas: []string{"par", "tial"}, err: errors.New("upstream reset")}
		f.chatRepo.On("AppendMessage", mock.MatchedBy(func(m *models.ChatMessage) bool {
			return m.Role == models.RoleUser
		})).Return(nil).Once()
		f.contextSvc.On("Build", mock.Anything, mock.Anything).Return([]models.ChatTurn{}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("sys")

		framer := &recordingFramer{}
		err := f.service.Stream(context.Background(), admittedTurn(f), framer)
		assert.NoError(t, err)

		kinds := framer.kinds()
		assert.Equal(t, "error", kinds[len(kinds)-2])
		assert.Equal(t, "done", kinds[len(kinds)-1])
		f.quota.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
		f.chatRepo.AssertNumberOfCalls(t, "AppendMessage", 1)
	})

	t.Run("Failed model invocation is free", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.openErr = errors.New("provider unavailable")
		f.chatRepo.On("AppendMessage", mock.Anything).Return(nil).Once()
		f.contextSvc.On("Build", mock.Anything, mock.Anything).Return([]models.ChatTurn{}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("sys")

		framer := &recordingFramer{}
		err := f.service.Stream(context.Background(), admittedTurn(f), framer)
		assert.NoError(t, err)
		assert.Contains(t, framer.kinds(), "error")
		f.quota.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Cancelled context drops the turn without persistence or debit", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.stream = &fakeTokenStream{deltas: []string{"a", "b", "c", "d"}}
		f.chatRepo.On("AppendMessage", mock.MatchedBy(func(m *models.ChatMessage) bool {
			return m.Role == models.RoleUser
		})).Return(nil).Once()
		f.contextSvc.On("Build", mock.Anything, mock.Anything).Return([]models.ChatTurn{}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("sys")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		framer := &recordingFramer{}
		err := f.service.Stream(ctx, admittedTurn(f), framer)
		assert.NoError(t, err)
		f.quota.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
		f.chatRepo.AssertNumberOfCalls(t, "AppendMessage", 1)
	})

	t.Run("Quota accounting failure surfaces as an error frame", func(t *testing.T) {
		f := newChatServiceFixture()
		f.llm.stream = &fakeTokenStream{deltas: []string{"ok"}}
		f.chatRepo.On("AppendMessage", mock.Anything).Return(nil).Twice()
		f.contextSvc.On("Build", mock.Anything, mock.Anything).Return([]models.ChatTurn{}, nil)
		f.prompt.On("BuildSystemPrompt", mock.Anything).Return("sys")
		f.quota.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db gone")).Once()

		framer := &recordingFramer{}
		err := f.service.Stream(context.Background(), admittedTurn(f), framer)
		assert.NoError(t, err)

		kinds := framer.kinds()
		assert.NotContains(t, kinds, "complete")
		assert.Contains(t, kinds, "error")
	})
}

func TestChatService_ClearSession(t *testing.T) {
	t.Run("Archives an owned session", func(t *testing.T) {
		f := newChatServiceFixture()
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)
		f.chatRepo.On("ArchiveSession", "session1", "user1").Return(nil).Once()

		err := f.service.ClearSession("session1", "user1")
		assert.NoError(t, err)
		f.chatRepo.AssertExpectations(t)
	})

	t.Run("Foreign session reads as not found", func(t *testing.T) {
		f := newChatServiceFixture()
		f.chatRepo.On("GetSession", "session1").Return(existingSession(), nil)

		err := f.service.ClearSession("session1", "intruder")
		assert.True(t, errors.Is(err, repository.ErrSessionNotFound))
		f.chatRepo.AssertNotCalled(t, "ArchiveSession", mock.Anything, mock.Anything)
	})
}
