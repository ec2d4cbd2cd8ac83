// Package status serves the live progress of a pipeline run over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"kmpipe/internal/dag"
)

// ProgressSource reports the counters of the running scheduler; nil means
// no phase is running.
type ProgressSource interface {
	Progress() []dag.StageProgress
}

type StageView struct {
	Stage    string `json:"stage"`
	Cap      int    `json:"cap"`
	Total    int    `json:"total"`
	Running  int    `json:"running"`
	Finished int    `json:"finished"`
}

type ProgressView struct {
	RunID   string      `json:"run_id"`
	Elapsed string      `json:"elapsed"`
	Active  bool        `json:"active"`
	Stages  []StageView `json:"stages"`
}

type server struct {
	gracefulPeriod time.Duration
	now            func() time.Time
}

type Option func(*server) *server

// WithGracefulPeriod bounds the shutdown wait. 5 seconds by default.
func WithGracefulPeriod(d time.Duration) Option {
	return func(s *server) *server {
		s.gracefulPeriod = d
		return s
	}
}

func withClock(now func() time.Time) Option {
	return func(s *server) *server {
		s.now = now
		return s
	}
}

// New builds the echo instance serving GET /healthz and GET /progress.
func New(runID string, src ProgressSource, opts ...Option) *echo.Echo {
	cfg := server{gracefulPeriod: 5 * time.Second, now: time.Now}
	for _, o := range opts {
		cfg = *o(&cfg)
	}
	started := cfg.now()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/progress", func(c echo.Context) error {
		stages := src.Progress()
		view := ProgressView{
			RunID:   runID,
			Elapsed: cfg.now().Sub(started).Truncate(time.Millisecond).String(),
			Active:  stages != nil,
			Stages:  make([]StageView, 0, len(stages)),
		}
		for _, s := range stages {
			view.Stages = append(view.Stages, StageView{
				Stage:    string(s.Stage),
				Cap:      s.Cap,
				Total:    s.Total,
				Running:  s.Running,
				Finished: s.Finished,
			})
		}
		return c.JSON(http.StatusOK, view)
	})
	return e
}

// Server is a started status endpoint.
type Server struct {
	// Stopped receives the serve error, or nil after a clean shutdown.
	Stopped <-chan error
}

// Start listens on addr until ctx is done.
func Start(ctx context.Context, addr string, e *echo.Echo, opts ...Option) Server {
	cfg := server{gracefulPeriod: 5 * time.Second}
	for _, o := range opts {
		cfg = *o(&cfg)
	}

	stopped := make(chan error, 1)
	var once sync.Once
	closeServer := func() {
		once.Do(func() {
			if 0 < cfg.gracefulPeriod {
				sctx, cancel := context.WithTimeout(context.Background(), cfg.gracefulPeriod)
				defer cancel()
				if err := e.Shutdown(sctx); err == nil {
					return
				}
			}
			e.Close()
		})
	}

	go func() {
		<-ctx.Done()
		closeServer()
	}()
	go func() {
		defer close(stopped)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopped <- err
		}
	}()
	return Server{Stopped: stopped}
}
