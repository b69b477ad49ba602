package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const sideChannelTimeout = 2 * time.Second

// Presence publishes which users hold a signaling connection
type Presence interface {
	MarkOnline(ctx context.Context, userID, connID string) error
	MarkOffline(ctx context.Context, userID, connID string) error
	OnlineCount(ctx context.Context) (int64, error)
}

// HistoryReader returns a user's recently ended calls
type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]models.CallRecord, error)
}

// Server holds everything the HTTP and WebSocket handlers need. Presence and
// History are optional.
type Server struct {
	Registry   *registry.Registry
	Calls      *calls.Store
	Dispatcher *signaling.Dispatcher
	Metrics    *metrics.Metrics
	Presence   Presence
	History    HistoryReader

	JWTSecret      string
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
	Transport      TransportConfig
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(s *Server, debug bool) *gin.Engine {
	router := gin.New()
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(s.AllowedOrigins))

	router.GET("/health", s.Health)
	if s.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	auth := middleware.JWTAuth(s.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(s.JWTSecret))

		apiGroup.GET("/rtc/config", auth, s.RTCConfig)

		apiGroup.POST("/calls", auth, s.StartCall)
		apiGroup.GET("/calls/history", auth, s.CallHistory)
		apiGroup.GET("/calls/:callId", auth, s.GetCall)
		apiGroup.DELETE("/calls/:callId", auth, s.EndCall)
	}

	// WebSocket signaling endpoint
	router.GET("/ws/signal", auth, s.HandleSignaling)

	return router
}

// Health reports liveness with current call and connection counts. With
// presence enabled it also reports the shared online count, which spans every
// instance publishing to the same store.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"activeCalls": s.Calls.Len(),
		"onlineUsers": s.Registry.Len(),
	}
	if s.Presence != nil {
		ctx, cancel := sideChannelContext()
		defer cancel()
		n, err := s.Presence.OnlineCount(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "handlers").Msg("failed to read presence count")
			body["presence"] = "unavailable"
		} else {
			body["presenceOnline"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}

// RTCConfig returns the ICE servers clients should configure their peer
// connections with
func (s *Server) RTCConfig(c *gin.Context) {
	servers := s.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

func sideChannelContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sideChannelTimeout)
}
