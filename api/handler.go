package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"anivid/client"
	"anivid/config"
	"anivid/middleware"
	"anivid/models"
	"anivid/services"
	"anivid/utils"
)

// APIHandler holds all dependencies for API handlers.
type APIHandler struct {
	chatService       services.ChatService
	quotaService      services.QuotaService
	membershipService services.MembershipService
	generationClient  *client.GenerationClient
	cfg               *config.Config
}

// NewAPIHandler creates a new APIHandler with necessary dependencies.
func NewAPIHandler(
	chatService services.ChatService,
	quotaService services.QuotaService,
	membershipService services.MembershipService,
	generationClient *client.GenerationClient,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		chatService:       chatService,
		quotaService:      quotaService,
		membershipService: membershipService,
		generationClient:  generationClient,
		cfg:               cfg,
	}
}

// RegisterRoutes wires every endpoint onto the router.
func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(h.cfg.Auth.JWTSecret))
	{
		v1.POST("/chat/send", h.SendMessageHandler)
		v1.GET("/chat/sessions", h.ListSessionsHandler)
		v1.GET("/chat/sessions/:session_id/messages", h.ChatHistoryHandler)
		v1.DELETE("/chat/sessions/:session_id", h.ClearSessionHandler)

		v1.GET("/quota", h.QuotaHandler)
		v1.POST("/quota/membership-change", h.MembershipChangeHandler)
		v1.POST("/admin/quota/reset-expired", h.ResetExpiredHandler)

		v1.GET("/generation/status/:task_id", h.GenerationStatusHandler)
	}
}

// QuotaHandler returns the caller's current quota snapshot, creating or
// resetting the row first when the cycle rolled over.
func (h *APIHandler) QuotaHandler(c *gin.Context) {
	userID := middleware.UserID(c)

	quota, err := h.quotaService.GetCurrent(userID)
	if err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not load quota.", err)
		return
	}
	today, err := h.quotaService.TodayUsage(userID)
	if err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not load quota usage.", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"membership_level": quota.MembershipLevel,
		"monthly_quota":    quota.MonthlyQuota,
		"monthly_used":     quota.MonthlyUsed,
		"total_used":       quota.TotalUsed,
		"today_used":       today,
		"quota_reset_at":   quota.QuotaResetAt,
		"unlimited":        quota.Limit().Unlimited(),
	})
}

type membershipChangeRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	NewLevel string `json:"new_level" binding:"required"`
}

// MembershipChangeHandler is the hook the account system calls when a user's
// plan changes. The quota row is realigned to the new tier immediately.
func (h *APIHandler) MembershipChangeHandler(c *gin.Context) {
	var req membershipChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendJSONError(c, http.StatusBadRequest, "Invalid request format.", err)
		return
	}

	level := models.MembershipLevel(req.NewLevel)
	if !level.Valid() {
		utils.SendJSONError(c, http.StatusBadRequest, "Unknown membership level.", nil)
		return
	}

	if err := h.quotaService.UpdateForMembershipChange(req.UserID, level); err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not update quota for membership change.", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "quota updated"})
}

// ResetExpiredHandler sweeps every quota row whose cycle has lapsed. Meant
// to be hit by an external scheduler.
func (h *APIHandler) ResetExpiredHandler(c *gin.Context) {
	count, err := h.quotaService.ResetExpired()
	if err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Reset sweep failed.", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": count})
}

// ListSessionsHandler returns the caller's chat sessions, newest first,
// optionally filtered by character.
func (h *APIHandler) ListSessionsHandler(c *gin.Context) {
	userID := middleware.UserID(c)
	characterID := c.Query("character_id")
	limit, offset := pagination(c, 20, 100)

	sessions, err := h.chatService.ListSessions(userID, characterID, limit, offset)
	if err != nil {
		utils.SendJSONError(c, http.StatusInternalServerError, "Could not list sessions.", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func pagination(c *gin.Context, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
