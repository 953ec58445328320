package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adwski/lan-conference/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// StatusService exposes read-only views of the conference state.
type StatusService interface {
	Roster() []model.RosterEntry
	Files() []model.FileInfo
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    StatusService
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Service    StatusService
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.Service,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cors)
	r.GET("/health", srv.health)
	api := r.Group("/api")
	api.GET("/participants", srv.participants)
	api.GET("/files", srv.files)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, GenericResponse{Error: "not found"})
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func cors(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	h.Set("Access-Control-Max-Age", "86400")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (srv *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{Message: "OK"})
}

func (srv *Server) participants(c *gin.Context) {
	roster := srv.svc.Roster()
	srv.logger.Trace().Int("participants", len(roster)).Msg("roster requested")
	c.JSON(http.StatusOK, GenericResponse{Message: "OK", Data: roster})
}

func (srv *Server) files(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{Message: "OK", Data: srv.svc.Files()})
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
