package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anivid/utils"
)

// GenerationStatusHandler proxies a task status lookup to the generation
// backend. The response is the backend's status document verbatim, so the
// same payload a JobPoller consumes.
func (h *APIHandler) GenerationStatusHandler(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		utils.SendJSONError(c, http.StatusBadRequest, "Missing task id.", nil)
		return
	}

	task, err := h.generationClient.GetTask(c.Request.Context(), taskID)
	if err != nil {
		utils.SendJSONError(c, http.StatusBadGateway, "Could not fetch generation status.", err)
		return
	}
	c.JSON(http.StatusOK, task)
}
