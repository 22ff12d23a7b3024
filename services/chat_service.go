package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"anivid/config"
	"anivid/models"
	"anivid/repository"
)

// chunkCoalesce controls how many model deltas are accumulated before a
// cumulative chunk frame is written to the client.
const chunkCoalesce = 3

const maxMessageLength = 2000

// ChatRequest carries one user turn into the orchestrator.
type ChatRequest struct {
	UserID      string
	CharacterID string
	SessionID   string
	Message     string
	Model       string
}

// PreparedTurn is the output of a successful admission pass. It holds
// everything Stream needs so no admission check runs twice.
type PreparedTurn struct {
	Request   ChatRequest
	Session   *models.ChatSession
	Character *models.Character
	Level     models.MembershipLevel
	Tier      config.TierLimits
	Created   bool
}

// ChatService 对话编排服务接口
type ChatService interface {
	Prepare(ctx context.Context, req ChatRequest) (*PreparedTurn, error)
	Stream(ctx context.Context, turn *PreparedTurn, framer Framer) error
	History(sessionID, userID string, limit, offset int) ([]models.ChatMessage, error)
	ListSessions(userID, characterID string, limit, offset int) ([]models.ChatSession, error)
	ClearSession(sessionID, userID string) error
}

type chatService struct {
	chatRepo      repository.ChatRepository
	characterRepo repository.CharacterRepository
	membership    MembershipService
	quota         QuotaService
	contextSvc    ContextService
	prompt        PromptService
	llm           LLMClient
	cfg           *config.Config
}

func NewChatService(
	chatRepo repository.ChatRepository,
	characterRepo repository.CharacterRepository,
	membership MembershipService,
	quota QuotaService,
	contextSvc ContextService,
	prompt PromptService,
	llm LLMClient,
	cfg *config.Config,
) ChatService {
	return &chatService{
		chatRepo:      chatRepo,
		characterRepo: characterRepo,
		membership:    membership,
		quota:         quota,
		contextSvc:    contextSvc,
		prompt:        prompt,
		llm:           llm,
		cfg:           cfg,
	}
}

// Prepare runs every admission check for one turn. Policy rejections come
// back as *AdmissionError so the handler can answer with a plain JSON error
// before any stream is opened. Nothing is written here except session
// creation itself, and no quota is consumed.
func (s *chatService) Prepare(ctx context.Context, req ChatRequest) (*PreparedTurn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, fmt.Errorf("message must not be empty")
	}
	if len(req.Message) > maxMessageLength {
		return nil, fmt.Errorf("message exceeds %d characters", maxMessageLength)
	}
	if req.Model == "" {
		req.Model = "base"
	}

	character, err := s.characterRepo.GetCharacter(req.CharacterID)
	if err != nil {
		if errors.Is(err, repository.ErrCharacterNotFound) {
			return nil, &AdmissionError{
				Code:    CodeCharacterNotFound,
				Message: "character not found",
			}
		}
		return nil, fmt.Errorf("load character: %w", err)
	}

	level, err := s.membership.GetLevel(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}
	tier := s.cfg.TierFor(level)

	session, created, err := s.resolveSession(req, character)
	if err != nil {
		return nil, err
	}

	msgs, err := s.chatRepo.ActiveMessages(session.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}
	if rounds := len(msgs) / 2; rounds >= tier.ContextWindowSize {
		return nil, &AdmissionError{
			Code:    CodeMaxRoundsExceeded,
			Message: fmt.Sprintf("session reached the %d round limit for the %s plan", tier.ContextWindowSize, level),
		}
	}
	if total := estimateHistoryTokens(msgs); total >= tier.MaxTotalTokens {
		return nil, &AdmissionError{
			Code:    CodeMaxTokensExceeded,
			Message: fmt.Sprintf("session reached the %d token limit for the %s plan", tier.MaxTotalTokens, level),
		}
	}

	if !tier.AllowsModel(req.Model) {
		return nil, &AdmissionError{
			Code:    CodeModelNotAllowed,
			Message: fmt.Sprintf("model tier %q is not available on the %s plan", req.Model, level),
		}
	}

	if !character.VisibleTo(req.UserID) {
		return nil, &AdmissionError{
			Code:    CodeCharacterForbidden,
			Message: "character is private",
		}
	}

	quota, err := s.quota.GetCurrent(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	if quota.Exhausted() {
		return nil, &AdmissionError{
			Code:    CodeQuotaExceeded,
			Message: "monthly chat quota exhausted",
			Quota: &QuotaState{
				Used:    quota.MonthlyUsed,
				Total:   quota.MonthlyQuota,
				ResetAt: quota.QuotaResetAt,
			},
		}
	}

	return &PreparedTurn{
		Request:   req,
		Session:   session,
		Character: character,
		Level:     level,
		Tier:      tier,
		Created:   created,
	}, nil
}

// resolveSession reuses the caller's session when it exists and belongs to
// them, otherwise creates a fresh one titled after the character and seeds
// it with the character's greeting.
func (s *chatService) resolveSession(req ChatRequest, character *models.Character) (*models.ChatSession, bool, error) {
	if req.SessionID != "" {
		session, err := s.chatRepo.GetSession(req.SessionID)
		if err == nil {
			if session.UserID != req.UserID {
				return nil, false, &AdmissionError{
					Code:    CodeCharacterForbidden,
					Message: "session belongs to another user",
				}
			}
			return session, false, nil
		}
		if !errors.Is(err, repository.ErrSessionNotFound) {
			return nil, false, fmt.Errorf("load session: %w", err)
		}
	}

	session := &models.ChatSession{
		SessionID:   uuid.NewString(),
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Title:       character.Name,
	}
	if err := s.chatRepo.CreateSession(session); err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	if greeting := character.PickGreeting(); greeting != "" {
		msg := &models.ChatMessage{
			ID:          uuid.NewString(),
			SessionID:   session.SessionID,
			UserID:      req.UserID,
			CharacterID: req.CharacterID,
			Role:        models.RoleAssistant,
			Content:     greeting,
			IsGreeting:  true,
		}
		if err := s.chatRepo.AppendMessage(msg); err != nil {
			log.Printf("WARN: [ChatService] persist greeting for session %s: %v", session.SessionID, err)
		}
	}
	return session, true, nil
}

// Stream runs the generation phase for an admitted turn: persist the user
// message, call the model, relay cumulative chunks, persist the reply and
// consume quota. Errors after admission are reported as error frames and
// never consume quota. A cancelled context means the client went away; the
// turn is dropped without persistence or debit.
func (s *chatService) Stream(ctx context.Context, turn *PreparedTurn, framer Framer) error {
	req := turn.Request
	session := turn.Session

	userMsg := &models.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   session.SessionID,
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Role:        models.RoleUser,
		Content:     req.Message,
		TokensUsed:  estimateTokens(req.Message),
		Model:       req.Model,
		UserLevel:   string(turn.Level),
	}
	if err := s.chatRepo.AppendMessage(userMsg); err != nil {
		framer.WriteError(map[string]string{"message": "failed to save message"})
		framer.WriteDone()
		return fmt.Errorf("persist user message: %w", err)
	}

	framer.WriteSession(session.SessionID)

	turns, err := s.contextSvc.Build(session.SessionID, req.UserID)
	if err != nil {
		framer.WriteError(map[string]string{"message": "failed to load conversation context"})
		framer.WriteDone()
		return fmt.Errorf("build context: %w", err)
	}

	systemPrompt := s.prompt.BuildSystemPrompt(turn.Character)

	stream, err := s.llm.StreamCompletion(ctx, LLMRequest{
		Model:        req.Model,
		SystemPrompt: systemPrompt,
		Turns:        turns,
		MaxTokens:    turn.Tier.MaxTokensPerRound,
		Temperature:  0.8,
	})
	if err != nil {
		log.Printf("ERROR: [ChatService] start completion for session %s: %v", session.SessionID, err)
		framer.WriteError(map[string]string{"message": "message generation failed, please try again"})
		framer.WriteDone()
		return nil
	}
	defer stream.Close()

	reply, streamErr := s.relay(ctx, stream, framer)
	if ctx.Err() != nil {
		log.Printf("INFO: [ChatService] client disconnected from session %s, dropping turn", session.SessionID)
		return nil
	}
	if streamErr != nil {
		log.Printf("ERROR: [ChatService] completion stream for session %s: %v", session.SessionID, streamErr)
		framer.WriteError(map[string]string{"message": "message generation failed, please try again"})
		framer.WriteDone()
		return nil
	}
	if strings.TrimSpace(reply) == "" {
		framer.WriteError(map[string]string{"message": "the model returned an empty reply"})
		framer.WriteDone()
		return nil
	}

	modelID := req.Model
	if route, ok := s.cfg.ModelRouteFor(req.Model); ok {
		modelID = route.ID
	}

	assistantMsg := &models.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   session.SessionID,
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		Role:        models.RoleAssistant,
		Content:     reply,
		TokensUsed:  estimateTokens(reply),
		Model:       modelID,
		UserLevel:   string(turn.Level),
		ContextSize: len(turns),
	}
	if err := s.chatRepo.AppendMessage(assistantMsg); err != nil {
		log.Printf("ERROR: [ChatService] persist assistant message for session %s: %v", session.SessionID, err)
		framer.WriteError(map[string]string{"message": "failed to save reply"})
		framer.WriteDone()
		return nil
	}

	if err := s.quota.Consume(req.UserID, session.SessionID, assistantMsg.TokensUsed); err != nil {
		log.Printf("ERROR: [ChatService] consume quota for user %s: %v", req.UserID, err)
		framer.WriteError(map[string]string{"message": "quota accounting failed"})
		framer.WriteDone()
		return nil
	}

	framer.WriteComplete(CompletePayload{
		Message:    reply,
		SessionID:  session.SessionID,
		TokensUsed: assistantMsg.TokensUsed,
		Model:      req.Model,
		UserLevel:  string(turn.Level),
	})
	framer.WriteDone()
	return nil
}

// relay drains the token stream through a producer goroutine and writes a
// cumulative chunk frame every chunkCoalesce deltas, plus a final flush for
// any remainder. It returns the full reply text, or the stream error if the
// model failed mid-generation.
func (s *chatService) relay(ctx context.Context, stream TokenStream, framer Framer) (string, error) {
	deltas := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(deltas)
		for {
			delta, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case deltas <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	var full strings.Builder
	count := 0
	pending := false
	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				select {
				case err := <-errc:
					return full.String(), err
				default:
				}
				if pending {
					framer.WriteChunk(full.String())
				}
				return full.String(), nil
			}
			full.WriteString(delta)
			count++
			pending = true
			if count%chunkCoalesce == 0 {
				framer.WriteChunk(full.String())
				pending = false
			}
		case <-ctx.Done():
			return full.String(), ctx.Err()
		}
	}
}

// History returns the session's transcript including archived messages, in
// insertion order. Sessions are owner-scoped.
func (s *chatService) History(sessionID, userID string, limit, offset int) ([]models.ChatMessage, error) {
	session, err := s.chatRepo.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, repository.ErrSessionNotFound
	}
	return s.chatRepo.History(sessionID, limit, offset)
}

func (s *chatService) ListSessions(userID, characterID string, limit, offset int) ([]models.ChatSession, error) {
	return s.chatRepo.ListSessions(userID, characterID, limit, offset)
}

// ClearSession archives every message in the session and zeroes its
// counters. The transcript stays queryable through History.
func (s *chatService) ClearSession(sessionID, userID string) error {
	session, err := s.chatRepo.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return repository.ErrSessionNotFound
	}
	return s.chatRepo.ArchiveSession(sessionID, userID)
}

// estimateTokens approximates token usage as ceil(len/4) over the raw text.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func estimateHistoryTokens(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		total += estimateTokens(m.Content)
	}
	return total
}
