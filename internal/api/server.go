// Package api serves the local status surface: the camera table, the program
// slot states and a health probe. It is a read-only diagnostic view of what
// the coordinator publishes, bound to localhost by default.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lancam/internal/domain"
	"lancam/internal/relay"
)

// Coordinator is the read side of the console.
type Coordinator interface {
	Sources() []domain.CameraSource
	Slots() []relay.SlotStatus
}

// Channel reports control-channel health.
type Channel interface {
	Connected() bool
	Authenticated() bool
}

type health struct {
	ChannelUp     bool `json:"channel_up"`
	Authenticated bool `json:"authenticated"`
}

// Server is the status HTTP endpoint.
type Server struct {
	coord   Coordinator
	channel Channel
	http    *http.Server
	log     zerolog.Logger
}

func New(addr string, coord Coordinator, channel Channel) *Server {
	s := &Server{
		coord:   coord,
		channel: channel,
		log:     log.With().Str("component", "api").Logger(),
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.GET("/healthz", s.healthz)
	e.GET("/api/cameras", s.cameras)
	e.GET("/api/slots", s.slots)

	s.http = &http.Server{Addr: addr, Handler: e}
	return s
}

// Start serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("status api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// healthz reports 200 only when the control channel is up and authenticated,
// so a probe notices a dead relay server or a wrong pin.
func (s *Server) healthz(c echo.Context) error {
	h := health{
		ChannelUp:     s.channel.Connected(),
		Authenticated: s.channel.Authenticated(),
	}
	code := http.StatusOK
	if !h.ChannelUp || !h.Authenticated {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

func (s *Server) cameras(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coord.Sources())
}

func (s *Server) slots(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coord.Slots())
}
