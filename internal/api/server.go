// Package api exposes the coordinator over a JSON HTTP interface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// Controller is the coordinator surface the API drives.
type Controller interface {
	ListDevices() []domain.DeviceStatus
	Status(target string) (domain.DeviceStatus, error)
	RegisterDevice(dev domain.Device) (domain.Device, error)
	DeleteDevice(ctx context.Context, target string) error
	Assign(ctx context.Context, target, videoID string, loop bool) (domain.AssignResult, error)
	Stop(ctx context.Context, target string) (domain.DeviceStatus, error)
	Pause(ctx context.Context, target string) (domain.DeviceStatus, error)
	Seek(ctx context.Context, target string, position time.Duration) (domain.DeviceStatus, error)
	Recheck(ctx context.Context, target string) (domain.DeviceStatus, error)
	SetControlMode(target string, mode domain.ControlMode, ttl time.Duration) (domain.Device, error)
	DeleteVideo(ctx context.Context, videoID string) error
	Sessions() []domain.SessionInfo
}

// Library lists and rescans the video catalog.
type Library interface {
	List() []domain.Video
	Refresh(ctx context.Context) (int, error)
}

type Options struct {
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
}

type Server struct {
	ctrl    Controller
	library Library
	opts    Options
	logger  zerolog.Logger
	router  chi.Router
}

func New(ctrl Controller, library Library, opts Options) *Server {
	s := &Server{
		ctrl:    ctrl,
		library: library,
		opts:    opts,
		logger:  xlog.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(rateLimit(s.opts.RateLimit, s.opts.RateWindow))
		}
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices", s.handleRegisterDevice)
		r.Route("/devices/{device}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Delete("/", s.handleDeleteDevice)
			r.Post("/assign", s.handleAssign)
			r.Post("/stop", s.handleStop)
			r.Post("/pause", s.handlePause)
			r.Post("/seek", s.handleSeek)
			r.Post("/recheck", s.handleRecheck)
			r.Put("/control-mode", s.handleControlMode)
		})

		r.Get("/videos", s.handleListVideos)
		r.Post("/videos/refresh", s.handleRefreshVideos)
		r.Delete("/videos/*", s.handleDeleteVideo)

		r.Get("/sessions", s.handleListSessions)
	})
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: &domain.ToolError{
				Code:    "RATE_LIMITED",
				Message: "too many requests; try again later",
			}})
		}),
	)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := zerolog.DebugLevel
		if ww.Status() >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}
		s.logger.WithLevel(level).
			Str(xlog.FieldRequestID, middleware.GetReqID(r.Context())).
			Str(xlog.FieldMethod, r.Method).
			Str(xlog.FieldPath, r.URL.Path).
			Int(xlog.FieldStatus, ww.Status()).
			Int64(xlog.FieldDuration, time.Since(start).Milliseconds()).
			Msg("request")
	})
}
