package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission"
	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// MissionHandlers binds the mission service's boundary operations to REST
type MissionHandlers struct {
	service *mission.Service
	logger  *logger.Logger
}

func registerMissionRoutes(router *gin.Engine, svc *mission.Service, log *logger.Logger) *MissionHandlers {
	h := &MissionHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "mission-handlers")),
	}

	api := router.Group("/api/v1")
	api.POST("/missions", h.createMission)
	api.GET("/missions", h.listMissions)
	api.GET("/missions/running", h.runningMissions)
	api.GET("/missions/:id", h.getMission)
	api.POST("/missions/:id/status", h.setStatus)
	api.POST("/missions/:id/resume", h.resumeMission)
	api.POST("/missions/:id/cancel", h.cancelMission)
	api.POST("/missions/:id/messages", h.postMessage)
	api.GET("/missions/:id/queue", h.listQueue)
	api.DELETE("/missions/:id/queue", h.clearQueue)
	api.DELETE("/queue/:message_id", h.removeFromQueue)
	api.POST("/missions/:id/tool-results", h.postToolResult)
	api.GET("/missions/:id/events", h.readEvents)
	return h
}

// writeError maps typed service errors to HTTP statuses
func writeError(c *gin.Context, log *logger.Logger, err error) {
	var typed *mission.Error
	if errors.As(err, &typed) {
		status := http.StatusInternalServerError
		switch typed.Kind {
		case mission.KindMissionNotFound, mission.KindMissionUnknown, mission.KindNotFound:
			status = http.StatusNotFound
		case mission.KindInvalidTransition:
			status = http.StatusConflict
		case mission.KindQueueBusy:
			status = http.StatusTooManyRequests
		case mission.KindProtocol:
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			log.Error("request failed", zap.Error(err))
			c.JSON(status, gin.H{"error": "request failed", "kind": string(typed.Kind)})
			return
		}
		c.JSON(status, gin.H{"error": typed.Message, "kind": string(typed.Kind)})
		return
	}
	log.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}

func (h *MissionHandlers) createMission(c *gin.Context) {
	var req v1.CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.service.CreateMission(c.Request.Context(), &req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *MissionHandlers) listMissions(c *gin.Context) {
	missions, err := h.service.ListMissions(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions})
}

func (h *MissionHandlers) runningMissions(c *gin.Context) {
	snapshot, err := h.service.RunningSnapshot(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *MissionHandlers) getMission(c *gin.Context) {
	m, err := h.service.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type setStatusRequest struct {
	Status v1.MissionStatus `json:"status" binding:"required"`
	Reason string           `json:"reason,omitempty"`
}

func (h *MissionHandlers) setStatus(c *gin.Context) {
	var body setStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), body.Status, body.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *MissionHandlers) resumeMission(c *gin.Context) {
	var body v1.ResumeMissionRequest
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.service.Resume(c.Request.Context(), c.Param("id"), &body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *MissionHandlers) cancelMission(c *gin.Context) {
	var body v1.StopMissionRequest
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.service.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *MissionHandlers) postMessage(c *gin.Context) {
	var body v1.EnqueueMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), body.Content, "")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *MissionHandlers) listQueue(c *gin.Context) {
	messages, err := h.service.ListQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *MissionHandlers) clearQueue(c *gin.Context) {
	cleared, err := h.service.ClearQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *MissionHandlers) removeFromQueue(c *gin.Context) {
	if err := h.service.RemoveFromQueue(c.Request.Context(), c.Param("message_id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MissionHandlers) postToolResult(c *gin.Context) {
	var body v1.ToolResultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.PostToolResult(c.Request.Context(), c.Param("id"), &body); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (h *MissionHandlers) readEvents(c *gin.Context) {
	var query v1.ListEventsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := h.service.ReadEvents(c.Request.Context(), c.Param("id"), &query)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
