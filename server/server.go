package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/zishang520/socket.io/socket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"uptrack/db"
	"uptrack/model"
	apperrors "uptrack/pkg/errors"
	"uptrack/pkg/logger"
	"uptrack/rollup"
	"uptrack/scheduler"
)

// respondError renders an AppError as the JSON error body; anything else
// is wrapped as an internal error.
func respondError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, "Internal server error")
	}
	c.JSON(appErr.StatusCode, gin.H{"code": appErr.Code, "error": appErr.Message})
}

// Server exposes the health endpoint, the admin command surface and the
// socket.io signal stream the hosting UI subscribes to.
type Server struct {
	router       *gin.Engine
	socketServer *socket.Server
	db           *gorm.DB
	scheduler    *scheduler.Scheduler
}

func New(gdb *gorm.DB) *Server {
	s := &Server{
		router:       gin.Default(),
		socketServer: socket.NewServer(nil, nil),
		db:           gdb,
	}

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc:  func(origin string) bool { return true },
	}
	s.router.Use(cors.New(corsConfig))

	s.registerRoutes()
	s.registerSocketRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// SetScheduler wires the scheduler after construction; the scheduler
// itself needs this server's signal bus first.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// Bus returns the signal bus backed by this server's socket.io rooms.
func (s *Server) Bus() *SocketBus {
	return &SocketBus{io: s.socketServer}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)

	api := s.router.Group("/api")
	{
		api.GET("/monitors/:id/today", s.todayRollup)

		admin := api.Group("/admin")
		{
			admin.POST("/rollups/recompute", s.recomputeRollups)
			admin.POST("/checks/dispatch", s.dispatchChecks)
			admin.PUT("/test-mode", s.setTestMode)
		}
	}
}

func (s *Server) registerSocketRoutes() {
	handler := s.socketServer.ServeHandler(nil)
	s.router.GET("/socket.io/*any", gin.WrapH(handler))
	s.router.POST("/socket.io/*any", gin.WrapH(handler))

	s.socketServer.On("connection", func(args ...any) {
		client := args[0].(*socket.Socket)

		// Subscribe to a monitor's private signal room. Ownership checks
		// belong to the hosting application's auth layer.
		client.On("subscribe", func(subArgs ...any) {
			if len(subArgs) == 0 {
				return
			}
			id, ok := subArgs[0].(float64)
			if !ok {
				return
			}
			client.Join(socket.Room(monitorRoom(uint(id))))
		})

		client.On("unsubscribe", func(subArgs ...any) {
			if len(subArgs) == 0 {
				return
			}
			id, ok := subArgs[0].(float64)
			if !ok {
				return
			}
			client.Leave(socket.Room(monitorRoom(uint(id))))
		})
	})
}

func (s *Server) health(c *gin.Context) {
	health := gin.H{"status": "healthy"}
	sqlDB, err := s.db.DB()
	if err != nil {
		health["database"] = "error"
	} else if err := sqlDB.Ping(); err != nil {
		health["database"] = "down"
	} else {
		health["database"] = "up"
	}
	c.JSON(http.StatusOK, health)
}

// todayRollup serves the live, non-persisted aggregate for today so
// charts do not wait for the nightly batch.
func (s *Server) todayRollup(c *gin.Context) {
	var m model.Monitor
	if err := s.db.First(&m, c.Param("id")).Error; err != nil {
		respondError(c, apperrors.ErrNotFound)
		return
	}

	rollups, err := rollup.Today(s.db, []uint{m.ID}, time.Local)
	if err != nil {
		logger.Error("Failed to aggregate today", zap.Uint("monitorID", m.ID), zap.Error(err))
		respondError(c, apperrors.Wrap(err, "Aggregation failed"))
		return
	}
	c.JSON(http.StatusOK, rollups[0])
}

func (s *Server) recomputeRollups(c *gin.Context) {
	var req struct {
		Days int    `json:"days"`
		Date string `json:"date"` // YYYY-MM-DD, overrides Days
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ErrBadRequest)
		return
	}

	if req.Date != "" {
		date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			respondError(c, apperrors.New(400, "date must be YYYY-MM-DD", http.StatusBadRequest, err))
			return
		}
		written, err := rollup.ComputeDate(s.db, date, time.Local)
		if err != nil {
			respondError(c, apperrors.Wrap(err, "Rollup recompute failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"rollups_written": written})
		return
	}

	if req.Days < 1 {
		req.Days = 1
	}
	if err := rollup.ComputeDays(s.db, req.Days, time.Local); err != nil {
		respondError(c, apperrors.Wrap(err, "Rollup recompute failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": req.Days})
}

func (s *Server) dispatchChecks(c *gin.Context) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ErrBadRequest)
		return
	}
	if s.scheduler == nil {
		respondError(c, apperrors.New(503, "scheduler not running", http.StatusServiceUnavailable, nil))
		return
	}

	go func(limit int) {
		if limit <= 0 {
			if err := s.scheduler.Tick(c.Copy()); err != nil {
				logger.Error("Manual dispatch failed", zap.Error(err))
			}
			return
		}
		if err := s.scheduler.TickLimit(c.Copy(), limit); err != nil {
			logger.Error("Manual dispatch failed", zap.Error(err))
		}
	}(req.Limit)

	c.JSON(http.StatusAccepted, gin.H{"dispatching": true})
}

func (s *Server) setTestMode(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ErrBadRequest)
		return
	}
	if err := db.SetTestMode(s.db, req.Enabled); err != nil {
		respondError(c, apperrors.Wrap(err, "Failed to update test mode"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"test_mode": req.Enabled})
}
