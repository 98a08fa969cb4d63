package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// SnapshotSource yields the leaderboard currently being watched.
type SnapshotSource interface {
	Snapshot() (models.Snapshot, bool)
}

type Server struct {
	board    SnapshotSource
	logger   *logrus.Logger
	interval time.Duration
	router   *gin.Engine
	http     *http.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewServer(board SnapshotSource, logger *logrus.Logger, port string, streamInterval time.Duration) *Server {
	s := &Server{
		board:    board,
		logger:   logger,
		interval: streamInterval,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/leaderboard", s.handleLeaderboard)
	api.GET("/status", s.handleStatus)
	api.GET("/stream", s.handleStream)

	s.router = router
	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("API request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	snap, ok := s.board.Snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no round is being watched"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, ok := s.board.Snapshot()
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"status":  models.ConnStatusDisconnected,
			"markets": map[models.MarketType]models.ConnStatus{},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"round_id": snap.RoundID,
		"state":    snap.State,
		"status":   snap.Status,
		"markets":  snap.Markets,
	})
}

// handleStream pushes the snapshot to a websocket client every interval
// until the client goes away.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	push := func() bool {
		snap, ok := s.board.Snapshot()
		if !ok {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.WithError(err).Debug("Stream client write failed")
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
