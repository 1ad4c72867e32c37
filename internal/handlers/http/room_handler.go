package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	"carelink/internal/infrastructure/signal"
	apperrors "carelink/pkg/errors"
	"carelink/pkg/utils"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	relay   *signal.Relay
	rooms   ports.RoomService
	health  *monitoring.HealthChecker
	started time.Time
}

func NewRoomHandler(relay *signal.Relay, rooms ports.RoomService, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		relay:   relay,
		rooms:   rooms,
		health:  health,
		started: time.Now(),
	}
}

// SetupRoutes registers the websocket endpoint behind join, the room
// inspection API and the health checks.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, join ...gin.HandlerFunc) {
	connect := append(append([]gin.HandlerFunc(nil), join...), h.Connect)
	router.GET("/ws/telehealth/:room", connect...)
	router.GET("/ws/telehealth/:room/", connect...)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:room", h.GetRoom)
	}

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Connect upgrades to the relay websocket for the room in the path.
func (h *RoomHandler) Connect(c *gin.Context) {
	room := c.Param("room")
	if !utils.ValidRoomToken(room) {
		_ = c.Error(apperrors.NewInvalidInputError("invalid room identifier"))
		return
	}

	name := c.Query("name")
	if claimed := c.GetString(middleware.ContextParticipantName); claimed != "" {
		name = claimed
	}
	h.relay.ServeRoom(c.Writer, c.Request, domain.RoomID(room), name)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room := c.Param("room")
	if !utils.ValidRoomToken(room) {
		_ = c.Error(apperrors.NewInvalidInputError("invalid room identifier"))
		return
	}

	r, err := h.rooms.Room(c.Request.Context(), domain.RoomID(room))
	if errors.Is(err, domain.ErrRoomNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("room"))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room lookup failed", http.StatusServiceUnavailable))
		return
	}

	participants := make([]gin.H, 0, len(r.Participants))
	for _, p := range r.Participants {
		participants = append(participants, gin.H{
			"id":        p.ID,
			"name":      p.Name,
			"joined_at": p.JoinedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"room":         r.ID,
		"participants": participants,
		"full":         r.Full(),
		"created_at":   r.CreatedAt,
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"uptime":      time.Since(h.started).String(),
		"connections": h.relay.Connections(),
	})
}

func (h *RoomHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
