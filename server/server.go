// Package server hosts the daemon probe endpoints: liveness, a JSON
// status summary, and Prometheus metrics. Agent counts always come from
// the store so every worker process reports the same numbers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/store"
)

// statusQueryTimeout bounds the store reads behind /status and /metrics.
const statusQueryTimeout = 5 * time.Second

// AgentCounts is the per-state agent tally in the status payload. Online
// folds online_idle and online_busy together.
type AgentCounts struct {
	Total      int `json:"total"`
	Online     int `json:"online"`
	Connecting int `json:"connecting"`
	Paused     int `json:"paused"`
	Error      int `json:"error"`
	Offline    int `json:"offline"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Status  string      `json:"status"`
	Uptime  string      `json:"uptime"`
	Workers int         `json:"workers"`
	Agents  AgentCounts `json:"agents"`
}

// Server is the probe HTTP server run by the coordinator process.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	registry   *prometheus.Registry
	startedAt  time.Time

	stopping atomic.Bool
	workers  atomic.Int64
}

// NewServer builds the probe server and its routes.
func NewServer(p *profile.Profile, s *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		Profile:    p,
		Store:      s,
		echoServer: e,
		registry:   prometheus.NewRegistry(),
		startedAt:  time.Now(),
	}
	srv.registry.MustRegister(newStoreCollector(srv))

	e.GET("/health", srv.health)
	e.GET("/status", srv.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, srv.registry},
		promhttp.HandlerOpts{},
	)))
	return srv
}

// SetWorkers records the live worker count reported by /status.
func (s *Server) SetWorkers(n int) { s.workers.Store(int64(n)) }

// SetStopping flips /health to 503 for the drain window.
func (s *Server) SetStopping() { s.stopping.Store(true) }

// Addr returns the host:port the probe listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Profile.ProbeHost, s.Profile.ProbePort)
}

// Handler exposes the route tree for serving through other listeners.
func (s *Server) Handler() http.Handler { return s.echoServer }

// Start serves until Shutdown. A closed listener is a clean exit.
func (s *Server) Start(_ context.Context) error {
	if err := s.echoServer.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("probe server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight probe requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echoServer.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	if s.stopping.Load() {
		return c.String(http.StatusServiceUnavailable, "stopping")
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), statusQueryTimeout)
	defer cancel()

	counts, err := s.agentCounts(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status := "running"
	if s.stopping.Load() {
		status = "stopping"
	}
	return c.JSON(http.StatusOK, &StatusResponse{
		Status:  status,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Workers: int(s.workers.Load()),
		Agents:  counts,
	})
}

func (s *Server) agentCounts(ctx context.Context) (AgentCounts, error) {
	agents, err := s.Store.ListAgents(ctx, &store.FindAgent{})
	if err != nil {
		return AgentCounts{}, fmt.Errorf("count agents: %w", err)
	}
	var counts AgentCounts
	counts.Total = len(agents)
	for _, agent := range agents {
		switch agent.State {
		case store.AgentStateOnlineIdle, store.AgentStateOnlineBusy:
			counts.Online++
		case store.AgentStateConnecting:
			counts.Connecting++
		case store.AgentStatePaused:
			counts.Paused++
		case store.AgentStateError:
			counts.Error++
		case store.AgentStateOffline:
			counts.Offline++
		}
	}
	return counts, nil
}
