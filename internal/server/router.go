package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/auth"
	"github.com/MarcoPoloResearchLab/annohub/internal/hub"
	"github.com/MarcoPoloResearchLab/annohub/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errMissingHub              = errors.New("hub dependency required")
	errMissingSessionValidator = errors.New("session validator required when authentication is enforced")
)

// SessionValidator authenticates the token presented on the upgrade request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileDirectory merges connect-time display metadata with what is already known.
type ProfileDirectory interface {
	Resolve(ctx context.Context, profile users.Profile) (users.Profile, error)
}

// ConnectionLimits bounds each websocket session.
type ConnectionLimits struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MessageRate       float64
	MessageBurst      int
	MaxMessageBytes   int64
}

// Dependencies wires the HTTP surface. Browsers may only send credentials from
// AllowedOrigins; with none configured, cross-origin requests carry no
// credentials and websocket upgrades must be same-origin.
type Dependencies struct {
	Hub            *hub.Hub
	Sessions       SessionValidator
	Directory      ProfileDirectory
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	AuthRequired   bool
	Limits         ConnectionLimits
	AllowedOrigins []string
}

// NewHTTPHandler builds the router serving the websocket endpoint, health and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.AuthRequired && deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		hub:          deps.Hub,
		sessions:     deps.Sessions,
		directory:    deps.Directory,
		logger:       logger,
		authRequired: deps.AuthRequired,
		limits:       deps.Limits.withDefaults(),
		upgrader:     newUpgrader(deps.AllowedOrigins),
	}

	router.GET("/ws", handler.handleWebsocket)
	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

type httpHandler struct {
	hub          *hub.Hub
	sessions     SessionValidator
	directory    ProfileDirectory
	logger       *zap.Logger
	authRequired bool
	limits       ConnectionLimits
	upgrader     websocket.Upgrader
}

type healthResponsePayload struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.hub.Stats()
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:      "ok",
		Connections: stats.Connections,
		Rooms:       stats.Rooms,
	})
}
