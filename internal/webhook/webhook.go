// Package webhook runs the shared HTTP callback server. Channel accounts
// register their paths at start and unregister at stop; a path with no
// owner answers 404 so platform probes fail fast after an account is
// torn down.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Server multiplexes platform callbacks onto one listener.
type Server struct {
	echo *echo.Echo
	log  zerolog.Logger

	mu     sync.RWMutex
	routes map[string]echo.HandlerFunc
}

// New creates an unstarted server.
func New(log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		log:    log,
		routes: make(map[string]echo.HandlerFunc),
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "routes": s.Paths()})
	})
	e.Any("/*", s.dispatch)
	return s
}

// Register claims a path. One owner per path; all HTTP methods on the
// path go to the handler (WeCom uses GET for verification and POST for
// messages on the same URL).
func (s *Server) Register(path string, h echo.HandlerFunc) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("webhook: invalid path %q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[path]; exists {
		return fmt.Errorf("webhook: path %q already registered", path)
	}
	s.routes[path] = h
	s.log.Info().Str("path", path).Msg("webhook route registered")
	return nil
}

// Unregister releases a path. Requests to it answer 404 afterwards.
func (s *Server) Unregister(path string) {
	s.mu.Lock()
	delete(s.routes, path)
	s.mu.Unlock()
	s.log.Info().Str("path", path).Msg("webhook route unregistered")
}

// Paths lists the currently registered paths.
func (s *Server) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.routes))
	for p := range s.routes {
		paths = append(paths, p)
	}
	return paths
}

func (s *Server) dispatch(c echo.Context) error {
	s.mu.RLock()
	h, ok := s.routes[c.Request().URL.Path]
	s.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	return h(c)
}

// Handler exposes the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until the context or Shutdown ends it. It is
// blocking; run it in a goroutine.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("webhook server starting")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
