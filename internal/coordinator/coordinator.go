// Package coordinator reconciles what each device should be playing with what
// it reports. It owns the per-device health monitor tasks and is the only
// component that starts or cancels them.
//
// Lock order: the per-device lock, then videoGate, then at most one of the
// registry, media server or task table locks at a time. videoGate is only
// held for in-memory work, never across a device call. Monitor tasks never
// take it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/metrics"
	"go2tv.app/castkeeper/internal/monitor"
	"go2tv.app/castkeeper/internal/registry"
)

// VideoCatalog resolves and deletes videos.
type VideoCatalog interface {
	Resolve(ctx context.Context, id string) (domain.Video, error)
	Delete(ctx context.Context, id string) error
}

// MediaServer is the serving-session table.
type MediaServer interface {
	StartSession(ctx context.Context, video domain.Video, deviceName, deviceAddress string) (domain.SessionInfo, error)
	StopSession(sessionID string) error
	StopDevice(deviceName string) bool
	SessionForDevice(deviceName string) (domain.SessionInfo, bool)
	SessionsForVideo(videoID string) []domain.SessionInfo
	Sessions() []domain.SessionInfo
}

// DeviceStore persists known devices between runs.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	SaveDevices(ctx context.Context, devices []domain.Device) error
}

type Options struct {
	Monitor     monitor.Config
	PollLimiter *rate.Limiter
	PlayRetry   device.RetryPolicy
	// CallTimeout bounds the stop/pause/seek/probe calls the coordinator
	// makes itself.
	CallTimeout time.Duration
	// ManualOverrideDefault is the manual-mode TTL used when none is given;
	// zero means indefinite.
	ManualOverrideDefault time.Duration
}

type Coordinator struct {
	registry *registry.Registry
	media    MediaServer
	videos   VideoCatalog
	opener   device.Opener
	store    DeviceStore
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// videoGate orders DeleteVideo against the commit of a desired
	// assignment.
	videoGate sync.RWMutex

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	mu         sync.Mutex
	tasks      map[string]*taskEntry
	clients    map[string]*clientEntry
	nextTaskID uint64
	closed     bool
}

type taskEntry struct {
	id   uint64
	task *monitor.Task
}

type clientEntry struct {
	client   device.Client
	address  string
	protocol string
}

func New(reg *registry.Registry, media MediaServer, videos VideoCatalog, opener device.Opener, store DeviceStore, opts Options) *Coordinator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:   reg,
		media:      media,
		videos:     videos,
		opener:     opener,
		store:      store,
		opts:       opts,
		logger:     xlog.WithComponent("coordinator"),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		locks:      map[string]chan struct{}{},
		tasks:      map[string]*taskEntry{},
		clients:    map[string]*clientEntry{},
	}
}

// Assign makes videoID the desired assignment of target and starts playing it.
// Re-assigning the same video and loop flag while playback is healthy is a
// no-op that reports Refreshed.
func (c *Coordinator) Assign(ctx context.Context, target, videoID string, loop bool) (domain.AssignResult, error) {
	result, err := c.assign(ctx, target, videoID, loop)
	switch {
	case err != nil:
		metrics.RecordAssign(domain.Code(err))
	case result.Refreshed:
		metrics.RecordAssign("refreshed")
	default:
		metrics.RecordAssign("started")
	}
	return result, err
}

func (c *Coordinator) assign(ctx context.Context, target, videoID string, loop bool) (domain.AssignResult, error) {
	if strings.TrimSpace(videoID) == "" {
		return domain.AssignResult{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "video id is required")
	}

	video, err := c.videos.Resolve(ctx, videoID)
	if err != nil {
		return domain.AssignResult{}, err
	}
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.AssignResult{}, err
	}

	unlock, err := c.lockDevice(ctx, dev.Name)
	if err != nil {
		return domain.AssignResult{}, err
	}
	defer unlock()

	if c.isClosed() {
		return domain.AssignResult{}, shuttingDown()
	}
	if dev, err = c.registry.Get(dev.Name); err != nil {
		return domain.AssignResult{}, err
	}

	if res, ok := c.alreadyAssigned(dev, video, loop); ok {
		c.logger.Debug().
			Str(xlog.FieldEvent, "assign.refreshed").
			Str(xlog.FieldDevice, dev.Name).
			Str(xlog.FieldVideoID, video.ID).
			Msg("assignment already active")
		return res, nil
	}

	return c.startLocked(ctx, dev, video, loop)
}

func (c *Coordinator) alreadyAssigned(dev domain.Device, video domain.Video, loop bool) (domain.AssignResult, bool) {
	if dev.Desired == nil || dev.Desired.VideoID != video.ID || dev.Desired.Loop != loop {
		return domain.AssignResult{}, false
	}
	if dev.Observed.State == domain.StateError || dev.Reachability == domain.ReachabilityUnreachable {
		return domain.AssignResult{}, false
	}
	if !c.taskAlive(dev.Name) {
		return domain.AssignResult{}, false
	}
	sess, ok := c.media.SessionForDevice(dev.Name)
	if !ok || sess.VideoID != video.ID {
		return domain.AssignResult{}, false
	}
	return domain.AssignResult{
		OK:        true,
		Device:    dev.Name,
		VideoID:   video.ID,
		SessionID: sess.ID,
		MediaURL:  sess.URL,
		Refreshed: true,
	}, true
}

// startLocked retires whatever the device is doing, then serves and plays
// video and spawns a fresh monitor. On failure nothing new is left behind and
// the desired assignment is cleared. Caller holds the device lock.
func (c *Coordinator) startLocked(ctx context.Context, dev domain.Device, video domain.Video, loop bool) (domain.AssignResult, error) {
	client, err := c.clientFor(dev)
	if err != nil {
		return domain.AssignResult{}, err
	}

	c.logger.Info().
		Str(xlog.FieldEvent, "assign.started").
		Str(xlog.FieldDevice, dev.Name).
		Str(xlog.FieldVideoID, video.ID).
		Bool("loop", loop).
		Msg("assigning video")

	// Old before new: the previous task must be gone before a second stream
	// can exist.
	if err := c.stopTask(ctx, dev.Name); err != nil {
		return domain.AssignResult{}, err
	}
	hadSession := c.media.StopDevice(dev.Name)

	sess, err := c.media.StartSession(ctx, video, dev.Name, dev.Address)
	if err != nil {
		c.abandonLocked(dev, hadSession, err)
		return domain.AssignResult{}, err
	}

	media := mediaFor(sess, video, loop)
	err = device.Retry(ctx, c.opts.PlayRetry, c.logger, "play", func(ctx context.Context) error {
		return client.Play(ctx, media)
	})
	if err != nil {
		_ = c.media.StopSession(sess.ID)
		if device.IsTransient(err) {
			err = unreachableError(dev.Name, err)
		}
		c.abandonLocked(dev, true, err)
		return domain.AssignResult{}, err
	}

	// The video may have been deleted while the device was being started.
	c.videoGate.RLock()
	if _, err := c.videos.Resolve(ctx, video.ID); err != nil {
		c.videoGate.RUnlock()
		_ = c.media.StopSession(sess.ID)
		_ = c.callDevice(ctx, func(ctx context.Context) error { return client.Stop(ctx) })
		c.abandonLocked(dev, true, err)
		return domain.AssignResult{}, err
	}
	now := c.now()
	_ = c.registry.SetDesired(dev.Name, &domain.Assignment{VideoID: video.ID, Loop: loop, RequestedAt: now})
	c.videoGate.RUnlock()
	_ = c.registry.SetObserved(dev.Name, domain.Observation{State: domain.StateBuffering, Duration: video.Duration, ObservedAt: now})
	_ = c.registry.SetReachability(dev.Name, domain.ReachabilityReachable, now)
	c.spawnTask(dev.Name, client)

	return domain.AssignResult{
		OK:        true,
		Device:    dev.Name,
		VideoID:   video.ID,
		SessionID: sess.ID,
		MediaURL:  sess.URL,
	}, nil
}

// abandonLocked records a failed start. The old assignment has already been
// retired, so the desired assignment is cleared to match.
func (c *Coordinator) abandonLocked(dev domain.Device, stoppedPlayback bool, cause error) {
	now := c.now()
	_ = c.registry.SetDesired(dev.Name, nil)
	switch {
	case errors.Is(cause, domain.ErrDeviceUnreachable):
		_ = c.registry.SetReachability(dev.Name, domain.ReachabilityUnreachable, now)
		_ = c.registry.SetObserved(dev.Name, domain.Observation{State: domain.StateError, ObservedAt: now})
	case stoppedPlayback:
		_ = c.registry.SetObserved(dev.Name, domain.Observation{State: domain.StateStopped, ObservedAt: now})
	}
	c.logger.Warn().Err(cause).
		Str(xlog.FieldEvent, "assign.failed").
		Str(xlog.FieldDevice, dev.Name).
		Msg("assignment rolled back")
}

// Stop cancels the device's monitor, stops its session and playback and
// clears its desired assignment. Stopping an idle device succeeds.
func (c *Coordinator) Stop(ctx context.Context, target string) (domain.DeviceStatus, error) {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	unlock, err := c.lockDevice(ctx, dev.Name)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	defer unlock()

	if err := c.stopLocked(ctx, dev.Name); err != nil {
		return domain.DeviceStatus{}, err
	}
	return c.Status(dev.Name)
}

// stopLocked is Stop for a caller that already holds the device lock.
func (c *Coordinator) stopLocked(ctx context.Context, name string) error {
	if err := c.stopTask(ctx, name); err != nil {
		return err
	}
	c.media.StopDevice(name)
	if client := c.cachedClient(name); client != nil {
		if err := c.callDevice(ctx, func(ctx context.Context) error { return client.Stop(ctx) }); err != nil && !errors.Is(err, domain.ErrNoActiveAssignment) {
			c.logger.Warn().Err(err).Str(xlog.FieldDevice, name).Msg("device stop failed")
		}
	}

	_ = c.registry.SetDesired(name, nil)
	_ = c.registry.SetObserved(name, domain.Observation{State: domain.StateStopped, ObservedAt: c.now()})
	c.logger.Info().Str(xlog.FieldEvent, "assign.stopped").Str(xlog.FieldDevice, name).Msg("playback stopped")
	return nil
}

func (c *Coordinator) Pause(ctx context.Context, target string) (domain.DeviceStatus, error) {
	dev, client, unlock, err := c.activeDevice(ctx, target)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	defer unlock()

	if err := c.callDevice(ctx, func(ctx context.Context) error { return client.Pause(ctx) }); err != nil {
		return domain.DeviceStatus{}, err
	}
	obs := dev.Observed
	obs.State = domain.StatePaused
	obs.ObservedAt = c.now()
	_ = c.registry.SetObserved(dev.Name, obs)
	return c.Status(dev.Name)
}

// Seek moves playback to position, which must lie within the video.
func (c *Coordinator) Seek(ctx context.Context, target string, position time.Duration) (domain.DeviceStatus, error) {
	if position < 0 {
		return domain.DeviceStatus{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "seek position must not be negative")
	}
	dev, client, unlock, err := c.activeDevice(ctx, target)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	defer unlock()

	duration := dev.Observed.Duration
	if video, err := c.videos.Resolve(ctx, dev.Desired.VideoID); err == nil && video.Duration > 0 {
		duration = video.Duration
	}
	if duration > 0 && position > duration {
		return domain.DeviceStatus{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT",
			"seek position %s is past the end of %s (%s)", position, dev.Desired.VideoID, duration)
	}

	if err := c.callDevice(ctx, func(ctx context.Context) error { return client.Seek(ctx, position) }); err != nil {
		return domain.DeviceStatus{}, err
	}
	obs := dev.Observed
	obs.Position = position
	obs.ObservedAt = c.now()
	_ = c.registry.SetObserved(dev.Name, obs)
	return c.Status(dev.Name)
}

// activeDevice locks target and returns it with its client, failing with
// NoActiveAssignment when nothing is assigned.
func (c *Coordinator) activeDevice(ctx context.Context, target string) (domain.Device, device.Client, func(), error) {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.Device{}, nil, nil, err
	}
	unlock, err := c.lockDevice(ctx, dev.Name)
	if err != nil {
		return domain.Device{}, nil, nil, err
	}
	if dev, err = c.registry.Get(dev.Name); err != nil {
		unlock()
		return domain.Device{}, nil, nil, err
	}
	client := c.cachedClient(dev.Name)
	if dev.Desired == nil || client == nil {
		unlock()
		return domain.Device{}, nil, nil, noActiveAssignment(dev.Name)
	}
	return dev, client, unlock, nil
}

func (c *Coordinator) Status(target string) (domain.DeviceStatus, error) {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	return c.statusFor(dev), nil
}

func (c *Coordinator) ListDevices() []domain.DeviceStatus {
	devices := c.registry.List()
	out := make([]domain.DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		out = append(out, c.statusFor(dev))
	}
	return out
}

func (c *Coordinator) statusFor(dev domain.Device) domain.DeviceStatus {
	status := domain.DeviceStatus{Device: dev, Monitored: c.taskAlive(dev.Name)}
	if sess, ok := c.media.SessionForDevice(dev.Name); ok {
		status.Session = &sess
	}
	return status
}

func (c *Coordinator) Sessions() []domain.SessionInfo {
	return c.media.Sessions()
}

// Close cancels every monitor task and waits for them to exit, then closes
// the device clients.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	tasks := make([]*monitor.Task, 0, len(c.tasks))
	for _, e := range c.tasks {
		if e.task != nil {
			tasks = append(tasks, e.task)
		}
	}
	c.mu.Unlock()

	c.baseCancel()

	var wg conc.WaitGroup
	for _, t := range tasks {
		wg.Go(func() { _ = t.Wait(ctx) })
	}
	wg.Wait()

	c.mu.Lock()
	clients := c.clients
	c.clients = map[string]*clientEntry{}
	c.mu.Unlock()
	for _, e := range clients {
		_ = e.client.Close()
	}
	return ctx.Err()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lockDevice acquires the device's critical section or gives up when ctx
// ends, so a cancelled monitor never blocks the assign that cancelled it.
func (c *Coordinator) lockDevice(ctx context.Context, name string) (func(), error) {
	c.locksMu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[name] = l
	}
	c.locksMu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callDevice runs one coordinator-initiated device call under CallTimeout.
func (c *Coordinator) callDevice(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// clientFor returns the cached client for dev, reopening it when the
// device's address or protocol changed.
func (c *Coordinator) clientFor(dev domain.Device) (device.Client, error) {
	c.mu.Lock()
	e, ok := c.clients[dev.Name]
	c.mu.Unlock()
	if ok && e.address == dev.Address && e.protocol == dev.Protocol {
		return e.client, nil
	}

	client, err := c.opener.Open(dev)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.clients[dev.Name] = &clientEntry{client: client, address: dev.Address, protocol: dev.Protocol}
	c.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
	return client, nil
}

func (c *Coordinator) cachedClient(name string) device.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.clients[name]; ok {
		return e.client
	}
	return nil
}

func (c *Coordinator) dropClient(name string) {
	c.mu.Lock()
	e, ok := c.clients[name]
	delete(c.clients, name)
	c.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
}

func mediaFor(sess domain.SessionInfo, video domain.Video, loop bool) device.Media {
	return device.Media{
		URL:         sess.URL,
		ContentType: video.Format,
		Duration:    video.Duration,
		Loop:        loop,
	}
}

func shuttingDown() *domain.ToolError {
	return domain.NewError(domain.ErrShuttingDown, "SHUTTING_DOWN", "coordinator is shutting down")
}

func noActiveAssignment(name string) *domain.ToolError {
	err := domain.NewError(domain.ErrNoActiveAssignment, "NO_ACTIVE_ASSIGNMENT", "device %s has no active assignment", name)
	err.SuggestedFixes = []string{"Assign a video to the device first."}
	return err
}

func unreachableError(name string, cause error) *domain.ToolError {
	return &domain.ToolError{
		Code:    "DEVICE_UNREACHABLE",
		Message: fmt.Sprintf("device %s did not accept playback: %v", name, cause),
		Kind:    errors.Join(domain.ErrDeviceUnreachable, domain.ErrTransientNetwork),
		SuggestedFixes: []string{
			"Check that the device is powered on and on the same network, then retry or run recheck.",
		},
	}
}
