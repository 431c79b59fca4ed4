package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// RegisterDevice adds or updates a device by hand, for renderers discovery
// cannot see.
func (c *Coordinator) RegisterDevice(dev domain.Device) (domain.Device, error) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.Address = strings.TrimSpace(dev.Address)
	dev.Protocol = strings.ToLower(strings.TrimSpace(dev.Protocol))
	if dev.Name == "" {
		return domain.Device{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "device name is required")
	}
	if dev.Address == "" {
		return domain.Device{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "device address is required")
	}
	switch dev.Protocol {
	case domain.ProtocolDLNA, domain.ProtocolChromecast:
	default:
		return domain.Device{}, domain.NewError(domain.ErrUnsupportedProtocol, "UNSUPPORTED_PROTOCOL", "unsupported protocol %q", dev.Protocol)
	}
	if dev.LastSeen.IsZero() {
		dev.LastSeen = c.now()
	}
	return c.registry.Upsert(dev)
}

// DeleteDevice stops everything running for the device and forgets it.
func (c *Coordinator) DeleteDevice(ctx context.Context, target string) error {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return err
	}
	unlock, err := c.lockDevice(ctx, dev.Name)
	if err != nil {
		return err
	}
	defer unlock()

	// An assign queued on the lock must find the device gone, not a gap
	// between teardown and removal.
	if _, err := c.registry.Get(dev.Name); err != nil {
		return err
	}
	if err := c.stopLocked(ctx, dev.Name); err != nil {
		return err
	}
	c.dropClient(dev.Name)
	if err := c.registry.Delete(dev.Name); err != nil {
		return err
	}
	c.logger.Info().Str(xlog.FieldEvent, "device.deleted").Str(xlog.FieldDevice, dev.Name).Msg("device removed")
	return nil
}

// SetControlMode switches between auto and manual control. A manual override
// with ttl 0 uses the configured default; a negative ttl never expires.
func (c *Coordinator) SetControlMode(target string, mode domain.ControlMode, ttl time.Duration) (domain.Device, error) {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.Device{}, err
	}
	var expiry time.Time
	if mode == domain.ControlManual {
		if ttl == 0 {
			ttl = c.opts.ManualOverrideDefault
		}
		if ttl > 0 {
			expiry = c.now().Add(ttl)
		}
	}
	if err := c.registry.SetControlMode(dev.Name, mode, expiry); err != nil {
		return domain.Device{}, err
	}
	c.logger.Info().
		Str(xlog.FieldEvent, "device.control_mode").
		Str(xlog.FieldDevice, dev.Name).
		Str("mode", string(mode)).
		Time("until", expiry).
		Msg("control mode changed")
	return c.registry.Get(dev.Name)
}

// Recheck probes the device once. A device that answers is marked reachable
// and, if it still has a desired assignment but no monitor, playback is
// resumed.
func (c *Coordinator) Recheck(ctx context.Context, target string) (domain.DeviceStatus, error) {
	dev, err := c.registry.Resolve(target)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	unlock, err := c.lockDevice(ctx, dev.Name)
	if err != nil {
		return domain.DeviceStatus{}, err
	}
	defer unlock()

	if c.isClosed() {
		return domain.DeviceStatus{}, shuttingDown()
	}
	if dev, err = c.registry.Get(dev.Name); err != nil {
		return domain.DeviceStatus{}, err
	}
	client, err := c.clientFor(dev)
	if err != nil {
		return domain.DeviceStatus{}, err
	}

	var state domain.TransportState
	err = c.callDevice(ctx, func(ctx context.Context) error {
		var err error
		state, err = client.TransportState(ctx)
		return err
	})
	if errors.Is(err, domain.ErrNoActiveAssignment) {
		// The backend has nothing loaded to ask about; it is idle, not gone.
		state, err = domain.TransportState{State: domain.StateStopped}, nil
	}
	now := c.now()
	if err != nil {
		if ctx.Err() != nil {
			return domain.DeviceStatus{}, ctx.Err()
		}
		_ = c.registry.SetReachability(dev.Name, domain.ReachabilityUnreachable, now)
		_ = c.registry.SetObserved(dev.Name, domain.Observation{State: domain.StateError, ObservedAt: now})
		return domain.DeviceStatus{}, &domain.ToolError{
			Code:    "DEVICE_UNREACHABLE",
			Message: "device " + dev.Name + " did not answer: " + err.Error(),
			Kind:    domain.ErrDeviceUnreachable,
		}
	}
	_ = c.registry.SetReachability(dev.Name, domain.ReachabilityReachable, now)
	_ = c.registry.SetObserved(dev.Name, domain.Observation{
		State:      state.State,
		Position:   state.Position,
		Duration:   state.Duration,
		ObservedAt: now,
	})

	if dev.Desired != nil && !c.taskAlive(dev.Name) {
		if sess, ok := c.media.SessionForDevice(dev.Name); ok && sess.VideoID == dev.Desired.VideoID && state.State.Active() {
			c.spawnTask(dev.Name, client)
			return c.Status(dev.Name)
		}
		video, err := c.videos.Resolve(ctx, dev.Desired.VideoID)
		if err != nil {
			return domain.DeviceStatus{}, err
		}
		c.logger.Info().
			Str(xlog.FieldEvent, "device.resume").
			Str(xlog.FieldDevice, dev.Name).
			Str(xlog.FieldVideoID, video.ID).
			Msg("resuming assignment after recheck")
		if _, err := c.startLocked(ctx, dev, video, dev.Desired.Loop); err != nil {
			return domain.DeviceStatus{}, err
		}
	}
	return c.Status(dev.Name)
}

// DeleteVideo removes a video from the catalog. It is refused while any
// device is assigned the video or any session is serving it.
func (c *Coordinator) DeleteVideo(ctx context.Context, videoID string) error {
	c.videoGate.Lock()
	defer c.videoGate.Unlock()

	var users []string
	for _, sess := range c.media.SessionsForVideo(videoID) {
		users = append(users, sess.DeviceName)
	}
	for _, dev := range c.registry.List() {
		if dev.Desired != nil && dev.Desired.VideoID == videoID && !slices.Contains(users, dev.Name) {
			users = append(users, dev.Name)
		}
	}
	if len(users) > 0 {
		err := domain.NewError(domain.ErrConflictingAssignment, "CONFLICTING_ASSIGNMENT",
			"video %s is in use by %s", videoID, strings.Join(users, ", "))
		err.Details = map[string]any{"devices": users}
		err.SuggestedFixes = []string{"Stop playback on those devices first."}
		return err
	}
	return c.videos.Delete(ctx, videoID)
}

// Bootstrap loads persisted devices into the registry.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	devices, err := c.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if _, err := c.registry.Upsert(dev); err != nil {
			c.logger.Warn().Err(err).Str(xlog.FieldDevice, dev.Name).Msg("skipping persisted device")
		}
	}
	c.logger.Info().Int("devices", len(devices)).Msg("loaded persisted devices")
	return nil
}

// Sync writes the current registry contents to the store.
func (c *Coordinator) Sync(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveDevices(ctx, c.registry.List()); err != nil {
		return fmt.Errorf("persist devices: %w", err)
	}
	return nil
}
