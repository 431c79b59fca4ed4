// Package monitor runs one health check task per assigned device. A task polls
// the device, records what it sees and, in auto control mode, asks its
// Corrector to restart playback when the device drifts from its assignment.
package monitor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/metrics"
)

type Outcome string

const (
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeDegraded    Outcome = "degraded"
	OutcomeFinished    Outcome = "finished"
)

// Registry is the slice of the device registry a task writes to.
type Registry interface {
	Get(name string) (domain.Device, error)
	SetObserved(name string, obs domain.Observation) error
	SetReachability(name string, reachability domain.Reachability, seenAt time.Time) error
}

// Activity reports the serving session currently feeding a device.
type Activity interface {
	SessionForDevice(name string) (domain.SessionInfo, bool)
}

// ErrSuperseded is returned by a Corrector whose task is no longer current.
var ErrSuperseded = errors.New("monitor task superseded")

// Corrector acts on the device on behalf of one task. Both calls fail once
// the task has been superseded.
type Corrector interface {
	Restart(ctx context.Context) error
	Finish(ctx context.Context) error
}

type Config struct {
	PollInterval time.Duration
	Jitter       time.Duration
	CallTimeout  time.Duration

	FailureThreshold  int
	FailureMaxBackoff time.Duration

	RestartAttempts    int
	RestartBaseBackoff time.Duration
	RestartMaxBackoff  time.Duration

	// ActivityGrace is how recent media traffic must be for a stopped report
	// to be treated as a false idle.
	ActivityGrace time.Duration
	// EndTolerance is how close to the duration a position counts as the end.
	EndTolerance time.Duration
}

type Spec struct {
	Device    string
	Client    device.Client
	Registry  Registry
	Activity  Activity
	Corrector Corrector
	Config    Config
	Limiter   *rate.Limiter
	Now       func() time.Time
	OnExit    func(t *Task, outcome Outcome)
}

type Task struct {
	spec   Spec
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome

	// last position/duration seen while the device was rendering
	lastPosition time.Duration
	lastDuration time.Duration
}

// Start spawns the task. It runs until ctx is cancelled, Cancel is called or
// it reaches a terminal outcome.
func Start(ctx context.Context, spec Spec) *Task {
	cfg := spec.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = cfg.PollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RestartAttempts <= 0 {
		cfg.RestartAttempts = 1
	}
	now := spec.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		spec:   spec,
		cfg:    cfg,
		logger: xlog.WithComponent("monitor").With().Str(xlog.FieldDevice, spec.Device).Logger(),
		now:    now,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	metrics.MonitorTasks.Inc()
	go func() {
		defer close(t.done)
		defer metrics.MonitorTasks.Dec()
		defer cancel()

		outcome := t.run(ctx)
		t.outcome = outcome
		metrics.MonitorExits.WithLabelValues(string(outcome)).Inc()
		t.logger.Info().Str(xlog.FieldEvent, "monitor.exit").Str(xlog.FieldOutcome, string(outcome)).Msg("health monitor stopped")
		if spec.OnExit != nil {
			spec.OnExit(t, outcome)
		}
	}()
	return t
}

func (t *Task) Device() string { return t.spec.Device }

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task has exited or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome is valid once Done is closed.
func (t *Task) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return ""
	}
}

// Alive reports whether the task is still running.
func (t *Task) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Task) run(ctx context.Context) Outcome {
	failures := 0
	delay := t.interval()

	for {
		if err := sleep(ctx, delay); err != nil {
			return OutcomeCancelled
		}
		if t.spec.Limiter != nil {
			if err := t.spec.Limiter.Wait(ctx); err != nil {
				return OutcomeCancelled
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
		state, err := t.spec.Client.TransportState(callCtx)
		cancel()
		if ctx.Err() != nil {
			return OutcomeCancelled
		}

		if err != nil {
			failures++
			metrics.RecordPoll("failure")
			t.logger.Warn().Err(err).
				Str(xlog.FieldEvent, "monitor.poll_failed").
				Int(xlog.FieldAttempt, failures).
				Msg("device poll failed")
			if failures >= t.cfg.FailureThreshold {
				t.markUnreachable()
				return OutcomeUnreachable
			}
			delay = t.failureBackoff(failures)
			continue
		}

		if failures > 0 {
			t.logger.Info().Str(xlog.FieldEvent, "monitor.recovered").Int(xlog.FieldAttempt, failures).Msg("device answering again")
		}
		failures = 0
		_ = t.spec.Registry.SetReachability(t.spec.Device, domain.ReachabilityReachable, t.now())
		delay = t.interval()

		if outcome, done := t.evaluate(ctx, state); done {
			return outcome
		}
	}
}

// evaluate records one successful poll and corrects drift. done reports a
// terminal outcome.
func (t *Task) evaluate(ctx context.Context, state domain.TransportState) (Outcome, bool) {
	dev, err := t.spec.Registry.Get(t.spec.Device)
	if err != nil {
		// Deleted underneath us.
		return OutcomeCancelled, true
	}

	if state.Duration > 0 {
		t.lastDuration = state.Duration
	}
	if state.State.Active() {
		if state.Position > 0 {
			t.lastPosition = state.Position
		}
		t.record(dev, state.State, state)
		metrics.RecordPoll("ok")
		return "", false
	}

	if dev.Desired == nil {
		t.record(dev, state.State, state)
		metrics.RecordPoll("unassigned")
		return "", false
	}
	if dev.ControlMode == domain.ControlManual {
		t.record(dev, state.State, state)
		metrics.RecordPoll("manual")
		return "", false
	}

	ended := t.reachedEnd(state)
	if ended && !dev.Desired.Loop {
		t.record(dev, domain.StateStopped, state)
		metrics.RecordPoll("finished")
		t.logger.Info().Str(xlog.FieldEvent, "monitor.finished").Str(xlog.FieldVideoID, dev.Desired.VideoID).Msg("video played to the end")
		if err := t.spec.Corrector.Finish(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("finish assignment failed")
		}
		return OutcomeFinished, true
	}
	if !ended && t.recentlyServed() {
		t.record(dev, domain.StatePlaying, state)
		metrics.RecordPoll("false_idle")
		t.logger.Debug().Str(xlog.FieldEvent, "monitor.false_idle").Str("reported", string(state.State)).Msg("device reports idle while media is flowing")
		return "", false
	}

	t.record(dev, state.State, state)
	metrics.RecordPoll("drift")
	t.logger.Info().
		Str(xlog.FieldEvent, "monitor.drift").
		Str(xlog.FieldOldState, string(dev.Observed.State)).
		Str(xlog.FieldNewState, string(state.State)).
		Bool("loop", dev.Desired.Loop).
		Bool("ended", ended).
		Msg("device drifted from its assignment")

	if err := t.restart(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrSuperseded) {
			return OutcomeCancelled, true
		}
		t.degrade(err)
		return OutcomeDegraded, true
	}
	t.lastPosition = 0
	return "", false
}

func (t *Task) restart(ctx context.Context) error {
	policy := device.RetryPolicy{
		Attempts:    t.cfg.RestartAttempts,
		BaseBackoff: t.cfg.RestartBaseBackoff,
		MaxBackoff:  t.cfg.RestartMaxBackoff,
	}
	err := retryRestart(ctx, policy, t.logger, func(ctx context.Context) error {
		return t.spec.Corrector.Restart(ctx)
	})
	if err != nil {
		metrics.RecordCorrectivePlay("failed")
		return err
	}
	metrics.RecordCorrectivePlay("ok")
	t.logger.Info().Str(xlog.FieldEvent, "monitor.restarted").Msg("playback restarted")
	return nil
}

func (t *Task) record(dev domain.Device, state domain.PlaybackState, reported domain.TransportState) {
	obs := domain.Observation{
		State:      state,
		Position:   reported.Position,
		Duration:   reported.Duration,
		ObservedAt: t.now(),
	}
	if obs.Duration == 0 {
		obs.Duration = t.lastDuration
	}
	if dev.Observed.State != state {
		t.logger.Debug().
			Str(xlog.FieldEvent, "monitor.state").
			Str(xlog.FieldOldState, string(dev.Observed.State)).
			Str(xlog.FieldNewState, string(state)).
			Msg("observed state changed")
	}
	_ = t.spec.Registry.SetObserved(t.spec.Device, obs)
}

func (t *Task) markUnreachable() {
	now := t.now()
	_ = t.spec.Registry.SetReachability(t.spec.Device, domain.ReachabilityUnreachable, now)
	_ = t.spec.Registry.SetObserved(t.spec.Device, domain.Observation{State: domain.StateError, ObservedAt: now})
	t.logger.Warn().
		Str(xlog.FieldEvent, "monitor.unreachable").
		Int("failures", t.cfg.FailureThreshold).
		Msg("device marked unreachable")
}

// degrade gives up on the device: it is left unreachable with an error
// state until it is rechecked or reassigned.
func (t *Task) degrade(cause error) {
	now := t.now()
	_ = t.spec.Registry.SetReachability(t.spec.Device, domain.ReachabilityUnreachable, now)
	_ = t.spec.Registry.SetObserved(t.spec.Device, domain.Observation{State: domain.StateError, ObservedAt: now})
	t.logger.Error().Err(cause).
		Str(xlog.FieldEvent, "monitor.degraded").
		Int("restart_attempts", t.cfg.RestartAttempts).
		Msg("restart budget exhausted; reassign required")
}

func (t *Task) reachedEnd(state domain.TransportState) bool {
	duration := t.lastDuration
	if duration <= 0 {
		return false
	}
	position := t.lastPosition
	if state.Position > position {
		position = state.Position
	}
	return position > 0 && position >= duration-t.cfg.EndTolerance
}

func (t *Task) recentlyServed() bool {
	if t.cfg.ActivityGrace <= 0 || t.spec.Activity == nil {
		return false
	}
	info, ok := t.spec.Activity.SessionForDevice(t.spec.Device)
	if !ok || !info.LastActivityAt.After(info.CreatedAt) {
		return false
	}
	return t.now().Sub(info.LastActivityAt) < t.cfg.ActivityGrace
}

func (t *Task) interval() time.Duration {
	if t.cfg.Jitter <= 0 {
		return t.cfg.PollInterval
	}
	return t.cfg.PollInterval + rand.N(t.cfg.Jitter)
}

func (t *Task) failureBackoff(failures int) time.Duration {
	backoff := t.cfg.PollInterval
	for i := 1; i < failures; i++ {
		backoff *= 2
		if t.cfg.FailureMaxBackoff > 0 && backoff >= t.cfg.FailureMaxBackoff {
			return t.cfg.FailureMaxBackoff
		}
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
