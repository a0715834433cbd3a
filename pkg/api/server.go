package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/lan-presence/pkg/models"
)

// PresenceService is the engine surface the API exposes to consumers.
type PresenceService interface {
	Devices() []models.Device
	Device(handle string) (models.Device, bool)
	Register(name string, ip net.IP, mac net.HardwareAddr) (string, error)
	Deregister(handle string) bool
}

// ServerConfig contains configuration for the status API
type ServerConfig struct {
	Port          string
	EnableCORS    bool
	EventsHistory int
}

// Server serves presence state over a JSON API.
type Server struct {
	router  *gin.Engine
	logger  *logrus.Logger
	service PresenceService
	config  ServerConfig

	mu     sync.RWMutex
	events []models.Event
}

// NewServer creates a status API server around a presence service.
func NewServer(config ServerConfig, service PresenceService, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.EventsHistory <= 0 {
		config.EventsHistory = 100
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	s := &Server{
		router:  router,
		logger:  logger,
		service: service,
		config:  config,
		events:  make([]models.Event, 0, config.EventsHistory),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	if s.config.EnableCORS {
		s.router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(204)
				return
			}

			c.Next()
		})
	}

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/devices", s.handleGetDevices)
		api.GET("/devices/:handle", s.handleGetDevice)
		api.POST("/devices", s.handleRegister)
		api.DELETE("/devices/:handle", s.handleDeregister)
		api.GET("/events", s.handleGetEvents)
	}
}

// RecordEvent appends a presence-change event to the bounded history.
func (s *Server) RecordEvent(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if len(s.events) > s.config.EventsHistory {
		s.events = s.events[len(s.events)-s.config.EventsHistory:]
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}

func (s *Server) handleGetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Devices())
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, ok := s.service.Device(c.Param("handle"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, device)
}

// registerRequest is the payload for watching a new device.
type registerRequest struct {
	Name string `json:"name"`
	IP   string `json:"ip" binding:"required"`
	MAC  string `json:"mac" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ip := net.ParseIP(req.IP)
	if ip == nil || ip.To4() == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip must be an IPv4 address"})
		return
	}
	mac, err := net.ParseMAC(req.MAC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := req.Name
	if name == "" {
		name = req.IP
	}

	handle, err := s.service.Register(name, ip, mac)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.logger.Infof("API registered device %s (%s)", name, req.IP)
	c.JSON(http.StatusCreated, gin.H{"handle": handle})
}

func (s *Server) handleDeregister(c *gin.Context) {
	handle := c.Param("handle")
	if !s.service.Deregister(handle) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	s.logger.Infof("API deregistered device %s", handle)
	c.JSON(http.StatusOK, gin.H{"handle": handle})
}

func (s *Server) handleGetEvents(c *gin.Context) {
	s.mu.RLock()
	events := make([]models.Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	c.JSON(http.StatusOK, events)
}

// Handler exposes the underlying router, mainly for tests and for
// embedding into an existing HTTP server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the API server. It blocks until the listener fails.
func (s *Server) Start() error {
	s.logger.Infof("Status API listening on port %s", s.config.Port)
	return s.router.Run(":" + s.config.Port)
}
