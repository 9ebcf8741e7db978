package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission"
	"github.com/missionctl/missionctl/internal/mission/subserver"
	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandlers serves event subscription streams over WebSocket
type StreamHandlers struct {
	service *mission.Service
	logger  *logger.Logger
}

func registerStreamRoutes(router *gin.Engine, svc *mission.Service, log *logger.Logger) *StreamHandlers {
	h := &StreamHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "stream-handlers")),
	}

	api := router.Group("/api/v1")
	api.GET("/missions/:id/subscribe", h.subscribeMission)
	api.GET("/events/subscribe", h.subscribeAll)
	return h
}

func (h *StreamHandlers) subscribeMission(c *gin.Context) {
	h.stream(c, c.Param("id"))
}

func (h *StreamHandlers) subscribeAll(c *gin.Context) {
	h.stream(c, subserver.FilterAll)
}

// stream opens a subscription session and pumps its frames over a
// WebSocket connection until either side closes.
func (h *StreamHandlers) stream(c *gin.Context, filter string) {
	opts := subserver.Options{Filter: filter}
	if raw := c.Query("since_sequence"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since_sequence must be a non-negative integer"})
			return
		}
		opts.SinceSequence = &since
	}
	if raw := c.Query("types"); raw != "" {
		opts.Types = strings.Split(raw, ",")
	}

	session, err := h.service.Subscribe(c.Request.Context(), opts)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer session.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Debug("Subscription stream opened",
		zap.String("filter", filter),
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Reader pump: the client sends nothing meaningful; a read error
	// means it went away and the session should end.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				session.Close()
				return
			}
		}
	}()

	for frame := range session.Frames() {
		out := v1.StreamFrame{
			Kind:      string(frame.Kind),
			Timestamp: time.Now().UTC(),
		}
		if frame.Event != nil {
			out.Event = frame.Event.ToAPI()
		}
		if err := conn.WriteJSON(out); err != nil {
			h.logger.Debug("Subscription stream write failed", zap.Error(err))
			return
		}
	}
}
