package coordinator

import (
	"context"

	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/monitor"
)

// spawnTask starts a monitor for name. Caller holds the device lock and has
// already retired any previous task.
func (c *Coordinator) spawnTask(name string, client device.Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.nextTaskID++
	entry := &taskEntry{id: c.nextTaskID}
	c.tasks[name] = entry
	c.mu.Unlock()

	task := monitor.Start(c.baseCtx, monitor.Spec{
		Device:    name,
		Client:    client,
		Registry:  c.registry,
		Activity:  c.media,
		Corrector: &corrector{c: c, device: name, taskID: entry.id},
		Config:    c.opts.Monitor,
		Limiter:   c.opts.PollLimiter,
		Now:       c.now,
		OnExit: func(_ *monitor.Task, _ monitor.Outcome) {
			c.mu.Lock()
			if cur, ok := c.tasks[name]; ok && cur.id == entry.id {
				delete(c.tasks, name)
			}
			c.mu.Unlock()
		},
	})

	c.mu.Lock()
	entry.task = task
	c.mu.Unlock()
}

// stopTask cancels the device's monitor and waits for it to exit. Caller
// holds the device lock.
func (c *Coordinator) stopTask(ctx context.Context, name string) error {
	c.mu.Lock()
	entry, ok := c.tasks[name]
	if ok {
		delete(c.tasks, name)
	}
	c.mu.Unlock()
	if !ok || entry.task == nil {
		return nil
	}

	entry.task.Cancel()
	if err := entry.task.Wait(ctx); err != nil {
		c.logger.Warn().Err(err).Str(xlog.FieldDevice, name).Msg("gave up waiting for monitor to exit")
		return err
	}
	return nil
}

func (c *Coordinator) taskAlive(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tasks[name]
	return ok && entry.task != nil && entry.task.Alive()
}

func (c *Coordinator) isCurrentTask(name string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tasks[name]
	return ok && entry.id == id
}

// corrector performs monitor-initiated corrections under the device lock.
// Every call first checks that its task is still the current one, so a
// cancelled task can never act after a newer assignment took over.
type corrector struct {
	c      *Coordinator
	device string
	taskID uint64
}

func (k *corrector) Restart(ctx context.Context) error {
	c := k.c
	unlock, err := c.lockDevice(ctx, k.device)
	if err != nil {
		return err
	}
	defer unlock()

	if !c.isCurrentTask(k.device, k.taskID) {
		return monitor.ErrSuperseded
	}
	dev, err := c.registry.Get(k.device)
	if err != nil {
		return err
	}
	if dev.Desired == nil {
		return monitor.ErrSuperseded
	}
	video, err := c.videos.Resolve(ctx, dev.Desired.VideoID)
	if err != nil {
		return err
	}
	client, err := c.clientFor(dev)
	if err != nil {
		return err
	}

	sess, ok := c.media.SessionForDevice(dev.Name)
	if !ok || sess.VideoID != video.ID {
		c.media.StopDevice(dev.Name)
		if sess, err = c.media.StartSession(ctx, video, dev.Name, dev.Address); err != nil {
			return err
		}
	}

	if err := client.Play(ctx, mediaFor(sess, video, dev.Desired.Loop)); err != nil {
		return err
	}
	now := c.now()
	_ = c.registry.SetObserved(dev.Name, domain.Observation{State: domain.StateBuffering, Duration: video.Duration, ObservedAt: now})
	_ = c.registry.SetReachability(dev.Name, domain.ReachabilityReachable, now)
	return nil
}

// Finish retires an assignment that played to its end.
func (k *corrector) Finish(ctx context.Context) error {
	c := k.c
	unlock, err := c.lockDevice(ctx, k.device)
	if err != nil {
		return err
	}
	defer unlock()

	if !c.isCurrentTask(k.device, k.taskID) {
		return monitor.ErrSuperseded
	}
	_ = c.registry.SetDesired(k.device, nil)
	c.media.StopDevice(k.device)
	_ = c.registry.SetObserved(k.device, domain.Observation{State: domain.StateStopped, ObservedAt: c.now()})
	c.logger.Info().Str(xlog.FieldEvent, "assign.finished").Str(xlog.FieldDevice, k.device).Msg("assignment finished")
	return nil
}
