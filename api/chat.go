package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"anivid/middleware"
	"anivid/repository"
	"anivid/services"
	"anivid/utils"
)

// ClientChatRequest is the body of POST /chat/send.
type ClientChatRequest struct {
	CharacterID string `json:"character_id" binding:"required"`
	Message     string `json:"message" binding:"required"`
	SessionID   string `json:"session_id,omitempty"`
	Model       string `json:"model,omitempty"`
}

// SendMessageHandler runs one chat turn. Admission rejections come back as
// plain JSON errors before any stream is opened; an admitted turn switches
// the response to SSE and streams frames until the terminal sentinel.
func (h *APIHandler) SendMessageHandler(c *gin.Context) {
	var clientReq ClientChatRequest
	if err := c.ShouldBindJSON(&clientReq); err != nil {
		utils.SendJSONError(c, http.StatusBadRequest, "Invalid request format.", err)
		return
	}
	userID := middleware.UserID(c)

	turn, err := h.chatService.Prepare(c.Request.Context(), services.ChatRequest{
		UserID:      userID,
		CharacterID: clientReq.CharacterID,
		SessionID:   clientReq.SessionID,
		Message:     clientReq.Message,
		Model:       clientReq.Model,
	})
	if err != nil {
		var admission *services.AdmissionError
		if errors.As(err, &admission) {
			log.Printf("INFO: [ChatHandler] turn rejected for user %s: %s", userID, admission.Code)
			body := gin.H{"code": admission.Code, "error": admission.Message}
			if admission.Quota != nil {
				body["quota"] = admission.Quota
			}
			c.JSON(admission.HTTPStatus(), body)
			return
		}
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not process message.", err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	framer := services.NewStreamFramer(c.Writer)
	if err := h.chatService.Stream(c.Request.Context(), turn, framer); err != nil {
		log.Printf("ERROR: [ChatHandler] stream for user %s session %s: %v", userID, turn.Session.SessionID, err)
	}
}

// ChatHistoryHandler returns the session transcript, oldest first, archived
// messages included.
func (h *APIHandler) ChatHistoryHandler(c *gin.Context) {
	userID := middleware.UserID(c)
	sessionID := c.Param("session_id")
	limit, offset := pagination(c, 50, 200)

	messages, err := h.chatService.History(sessionID, userID, limit, offset)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			utils.SendJSONError(c, http.StatusNotFound, "Session not found.", nil)
			return
		}
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not load history.", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

// ClearSessionHandler archives the session's messages and zeroes its
// counters. The next turn starts from an empty window.
func (h *APIHandler) ClearSessionHandler(c *gin.Context) {
	userID := middleware.UserID(c)
	sessionID := c.Param("session_id")

	if err := h.chatService.ClearSession(sessionID, userID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			utils.SendJSONError(c, http.StatusNotFound, "Session not found.", nil)
			return
		}
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not clear session.", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session cleared"})
}
