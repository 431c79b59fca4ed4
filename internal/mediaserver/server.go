// Package mediaserver serves video files to devices over HTTP and tracks one
// serving session per device.
package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/metrics"
)

const shutdownWait = time.Second

type Options struct {
	// BindHost overrides the interface picked from the route to the device.
	BindHost string
	// AdvertiseHost is the host placed in session URLs; defaults to the bind host.
	AdvertiseHost string

	Port            int
	MaxBindAttempts int
	MaxSessions     int

	IdleGrace   time.Duration
	ExpireAfter time.Duration
	SweepEvery  time.Duration
}

type Server struct {
	opts   Options
	logger zerolog.Logger

	now           func() time.Time
	listen        func(network, address string) (net.Listener, error)
	hostForDevice func(deviceAddress string) (string, error)

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	sessions map[string]*session
	byDevice map[string]string
	lastPort map[string]int
	closed   bool
}

type session struct {
	info        domain.SessionInfo
	path        string
	contentType string

	httpServer *http.Server
	serveDone  chan struct{}
	closeOnce  sync.Once
}

func New(opts Options) *Server {
	if opts.MaxBindAttempts <= 0 {
		opts.MaxBindAttempts = 1
	}
	s := &Server{
		opts:          opts,
		logger:        xlog.WithComponent("mediaserver"),
		now:           time.Now,
		listen:        net.Listen,
		hostForDevice: listenHostForDevice,
		sessions:      map[string]*session{},
		byDevice:      map[string]string{},
		lastPort:      map[string]int{},
	}
	if opts.SweepEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.runSweeper(ctx)
	}
	return s
}

// StartSession opens a listener serving video to deviceName. Any session the
// device already has is torn down first so its port can be reused.
func (s *Server) StartSession(ctx context.Context, video domain.Video, deviceName, deviceAddress string) (domain.SessionInfo, error) {
	if strings.TrimSpace(video.Path) == "" {
		return domain.SessionInfo{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "video %s has no path", video.ID)
	}
	if err := ctx.Err(); err != nil {
		return domain.SessionInfo{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SessionInfo{}, domain.NewError(domain.ErrShuttingDown, "SHUTTING_DOWN", "media server is shutting down")
	}
	prior := s.detachDeviceLocked(deviceName)
	if s.opts.MaxSessions > 0 && len(s.sessions) >= s.opts.MaxSessions {
		s.mu.Unlock()
		s.teardown(prior, "superseded")
		return domain.SessionInfo{}, resourceExhausted("serving session limit of %d reached", s.opts.MaxSessions)
	}
	preferred := s.lastPort[deviceName]
	s.mu.Unlock()

	s.teardown(prior, "superseded")

	bindHost, err := s.bindHost(deviceAddress)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	ln, err := s.bind(bindHost, preferred)
	if err != nil {
		return domain.SessionInfo{}, err
	}

	port := ln.Addr().(*net.TCPAddr).Port
	advertise := s.opts.AdvertiseHost
	if advertise == "" {
		advertise = bindHost
		if advertise == "" || advertise == "0.0.0.0" || advertise == "::" {
			advertise = "127.0.0.1"
		}
	}

	id := uuid.NewString()
	file := filepath.Base(video.Path)
	now := s.now()
	sess := &session{
		info: domain.SessionInfo{
			ID:             id,
			DeviceName:     deviceName,
			VideoID:        video.ID,
			URL:            fmt.Sprintf("http://%s/media/%s/%s", net.JoinHostPort(advertise, strconv.Itoa(port)), id, url.PathEscape(file)),
			ListenAddress:  ln.Addr().String(),
			CreatedAt:      now,
			LastActivityAt: now,
			Status:         domain.SessionActive,
		},
		path:        video.Path,
		contentType: video.Format,
		serveDone:   make(chan struct{}),
	}
	sess.httpServer = &http.Server{
		Handler:           s.routes(sess),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(sess.serveDone)
		if err := sess.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn().Err(err).Str(xlog.FieldSessionID, id).Msg("media listener stopped")
		}
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.teardown(sess, "shutdown")
		return domain.SessionInfo{}, domain.NewError(domain.ErrShuttingDown, "SHUTTING_DOWN", "media server is shutting down")
	}
	raced := s.detachDeviceLocked(deviceName)
	s.sessions[id] = sess
	s.byDevice[deviceName] = id
	s.lastPort[deviceName] = port
	info := sess.info
	s.mu.Unlock()

	s.teardown(raced, "superseded")
	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	s.logger.Info().
		Str(xlog.FieldEvent, "session.started").
		Str(xlog.FieldSessionID, id).
		Str(xlog.FieldDevice, deviceName).
		Str(xlog.FieldVideoID, video.ID).
		Str(xlog.FieldURL, info.URL).
		Msg("serving session started")
	return info, nil
}

// RecordActivity refreshes the session's last-activity time and adds n to its
// byte count. A session in idle-grace becomes active again.
func (s *Server) RecordActivity(sessionID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.SessionNotFound(sessionID)
	}
	sess.info.LastActivityAt = s.now()
	sess.info.BytesServed += n
	if n > 0 {
		metrics.BytesServed.Add(float64(n))
	}
	if sess.info.Status == domain.SessionIdleGrace {
		sess.info.Status = domain.SessionActive
	}
	return nil
}

func (s *Server) StopSession(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		s.detachLocked(sess)
	}
	s.mu.Unlock()
	if !ok {
		return domain.SessionNotFound(sessionID)
	}
	s.teardown(sess, "stopped")
	return nil
}

// StopDevice stops the device's session, if it has one.
func (s *Server) StopDevice(deviceName string) bool {
	s.mu.Lock()
	sess := s.detachDeviceLocked(deviceName)
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	s.teardown(sess, "stopped")
	return true
}

func (s *Server) Session(sessionID string) (domain.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.SessionInfo{}, domain.SessionNotFound(sessionID)
	}
	return sess.info, nil
}

func (s *Server) SessionForDevice(deviceName string) (domain.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDevice[deviceName]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return s.sessions[id].info, true
}

func (s *Server) SessionsForVideo(videoID string) []domain.SessionInfo {
	var out []domain.SessionInfo
	for _, info := range s.Sessions() {
		if info.VideoID == videoID {
			out = append(out, info)
		}
	}
	return out
}

// Sessions returns all live sessions, oldest first.
func (s *Server) Sessions() []domain.SessionInfo {
	s.mu.Lock()
	out := make([]domain.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DeviceName < out[j].DeviceName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close tears down every session and stops the sweeper.
func (s *Server) Close(ctx context.Context) error {
	var all []*session
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, sess := range s.sessions {
			all = append(all, sess)
		}
		s.sessions = map[string]*session{}
		s.byDevice = map[string]string{}
		s.mu.Unlock()

		if s.sweepCancel != nil {
			s.sweepCancel()
		}
	})
	if s.sweepDone != nil {
		select {
		case <-s.sweepDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, sess := range all {
		s.teardown(sess, "shutdown")
	}
	return nil
}

func (s *Server) bindHost(deviceAddress string) (string, error) {
	if s.opts.BindHost != "" {
		return s.opts.BindHost, nil
	}
	if s.hostForDevice == nil {
		return "", domain.NewError(nil, "INTERNAL_ERROR", "listen address resolver is not configured")
	}
	host, err := s.hostForDevice(deviceAddress)
	if err != nil {
		return "", domain.NewError(domain.ErrDeviceUnreachable, "DEVICE_UNREACHABLE", "failed to select media listen address for %s: %v", deviceAddress, err)
	}
	return host, nil
}

// bind tries the preferred port, then the configured port and its successors.
func (s *Server) bind(host string, preferred int) (net.Listener, error) {
	var candidates []int
	if preferred > 0 {
		candidates = append(candidates, preferred)
	}
	if s.opts.Port == 0 {
		candidates = append(candidates, 0)
	}
	for port := s.opts.Port; s.opts.Port > 0 && port < s.opts.Port+s.opts.MaxBindAttempts && port <= 65535; port++ {
		if port != preferred {
			candidates = append(candidates, port)
		}
	}

	var lastErr error
	for _, port := range candidates {
		ln, err := s.listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		metrics.BindFailures.Inc()
		s.logger.Debug().Err(err).Str(xlog.FieldAddress, host).Int("port", port).Msg("media port unavailable")
	}
	return nil, resourceExhausted("no media port available on %s after %d attempts: %v", host, len(candidates), lastErr)
}

func (s *Server) detachDeviceLocked(deviceName string) *session {
	id, ok := s.byDevice[deviceName]
	if !ok {
		return nil
	}
	sess := s.sessions[id]
	s.detachLocked(sess)
	return sess
}

func (s *Server) detachLocked(sess *session) {
	delete(s.sessions, sess.info.ID)
	if s.byDevice[sess.info.DeviceName] == sess.info.ID {
		delete(s.byDevice, sess.info.DeviceName)
	}
	sess.info.Status = domain.SessionExpired
}

// teardown shuts a detached session's listener down. Never called with s.mu held.
func (s *Server) teardown(sess *session, reason string) {
	if sess == nil {
		return
	}
	sess.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := sess.httpServer.Shutdown(ctx); err != nil {
			_ = sess.httpServer.Close()
		}
		<-sess.serveDone

		metrics.RecordSessionEnded(reason)
		s.logger.Info().
			Str(xlog.FieldEvent, "session.ended").
			Str(xlog.FieldSessionID, sess.info.ID).
			Str(xlog.FieldDevice, sess.info.DeviceName).
			Str(xlog.FieldOutcome, reason).
			Msg("serving session ended")
	})
}

func resourceExhausted(format string, args ...any) *domain.ToolError {
	err := domain.NewError(domain.ErrResourceExhausted, "RESOURCE_EXHAUSTED", format, args...)
	err.SuggestedFixes = []string{
		"Stop an idle assignment or raise media.max_sessions / media.max_bind_attempts.",
	}
	return err
}

// listenHostForDevice picks the local interface that routes to the device.
func listenHostForDevice(deviceAddress string) (string, error) {
	target := strings.TrimSpace(deviceAddress)
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	listenAddr, err := utils.URLtoListenIPandPort(target)
	if err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", err
	}
	return host, nil
}
