package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/domain"
	"go2tv.app/castkeeper/internal/registry"
)

type fakeClient struct {
	mu     sync.Mutex
	states []domain.TransportState
	err    error
	calls  int
}

func (c *fakeClient) setStates(states ...domain.TransportState) {
	c.mu.Lock()
	c.states = states
	c.mu.Unlock()
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) TransportState(context.Context) (domain.TransportState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return domain.TransportState{}, c.err
	}
	if len(c.states) == 0 {
		return domain.TransportState{State: domain.StatePlaying}, nil
	}
	st := c.states[0]
	if len(c.states) > 1 {
		c.states = c.states[1:]
	}
	return st, nil
}

func (c *fakeClient) Play(context.Context, device.Media) error { return nil }
func (c *fakeClient) Pause(context.Context) error { return nil }
func (c *fakeClient) Stop(context.Context) error { return nil }
func (c *fakeClient) Seek(context.Context, time.Duration) error { return nil }
func (c *fakeClient) Close() error { return nil }

type fakeCorrector struct {
	mu         sync.Mutex
	restarts   int
	finishes   int
	restartErr error
	onRestart  func()
}

func (f *fakeCorrector) Restart(context.Context) error {
	f.mu.Lock()
	f.restarts++
	err := f.restartErr
	hook := f.onRestart
	f.mu.Unlock()
	if hook != nil && err == nil {
		hook()
	}
	return err
}

func (f *fakeCorrector) Finish(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes++
	return nil
}

func (f *fakeCorrector) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts, f.finishes
}

type fakeActivity struct {
	recent bool
}

func (a fakeActivity) SessionForDevice(string) (domain.SessionInfo, bool) {
	if !a.recent {
		return domain.SessionInfo{}, false
	}
	now := time.Now()
	return domain.SessionInfo{CreatedAt: now.Add(-time.Minute), LastActivityAt: now}, true
}

func testConfig() Config {
	return Config{
		PollInterval:       20 * time.Millisecond,
		CallTimeout:        50 * time.Millisecond,
		FailureThreshold:   3,
		FailureMaxBackoff:  40 * time.Millisecond,
		RestartAttempts:    3,
		RestartBaseBackoff: time.Millisecond,
		RestartMaxBackoff:  5 * time.Millisecond,
		ActivityGrace:      time.Second,
		EndTolerance:       2 * time.Second,
	}
}

func newAssignedRegistry(t *testing.T, loop bool) *registry.Registry {
	t.Helper()
	reg := registry.New()
	_, err := reg.Upsert(domain.Device{Name: "TV1", Address: "http://10.0.0.5/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)
	require.NoError(t, reg.SetDesired("TV1", &domain.Assignment{VideoID: "clip.mp4", Loop: loop}))
	return reg
}

type exitRecorder struct {
	mu      sync.Mutex
	outcome Outcome
}

func (e *exitRecorder) record(_ *Task, outcome Outcome) {
	e.mu.Lock()
	e.outcome = outcome
	e.mu.Unlock()
}

func (e *exitRecorder) get() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

func TestDriftIsCorrectedWithinOnePollInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{states: []domain.TransportState{{State: domain.StateStopped}}}
	corrector := &fakeCorrector{}
	corrector.onRestart = func() { client.setStates(domain.TransportState{State: domain.StatePlaying, Position: time.Second}) }

	started := time.Now()
	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: corrector, Config: testConfig(),
	})

	require.Eventually(t, func() bool {
		restarts, _ := corrector.counts()
		return restarts == 1
	}, time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(started), 500*time.Millisecond)

	require.Eventually(t, func() bool {
		dev, err := reg.Get("TV1")
		return err == nil && dev.Observed.State == domain.StatePlaying
	}, time.Second, 5*time.Millisecond)

	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, OutcomeCancelled, task.Outcome())
	restarts, _ := corrector.counts()
	assert.Equal(t, 1, restarts)
}

func TestManualModeRecordsWithoutCorrecting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	require.NoError(t, reg.SetControlMode("TV1", domain.ControlManual, time.Time{}))
	client := &fakeClient{states: []domain.TransportState{{State: domain.StateStopped}}}
	corrector := &fakeCorrector{}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: corrector, Config: testConfig(),
	})
	require.Eventually(t, func() bool { return client.Calls() >= 5 }, time.Second, 5*time.Millisecond)
	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))

	restarts, _ := corrector.counts()
	assert.Zero(t, restarts)
	dev, err := reg.Get("TV1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, dev.Observed.State)
	assert.NotNil(t, dev.Desired)
}

func TestFailureThresholdMarksUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, false)
	client := &fakeClient{err: errors.New("connection refused")}
	exits := &exitRecorder{}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: &fakeCorrector{}, Config: testConfig(),
		OnExit: exits.record,
	})
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not give up")
	}

	assert.Equal(t, OutcomeUnreachable, task.Outcome())
	assert.Equal(t, OutcomeUnreachable, exits.get())
	assert.Equal(t, 3, client.Calls())

	dev, err := reg.Get("TV1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReachabilityUnreachable, dev.Reachability)
	assert.Equal(t, domain.StateError, dev.Observed.State)
	require.NotNil(t, dev.Desired, "desired assignment survives for a later recheck")
}

func TestFailuresResetAfterSuccessfulPoll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{err: errors.New("i/o timeout")}
	cfg := testConfig()
	cfg.FailureThreshold = 10
	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: &fakeCorrector{}, Config: cfg,
	})
	require.Eventually(t, func() bool { return client.Calls() >= 2 }, time.Second, time.Millisecond)
	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		dev, _ := reg.Get("TV1")
		return dev.Reachability == domain.ReachabilityReachable
	}, time.Second, 5*time.Millisecond)
	assert.True(t, task.Alive())

	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))
}

func TestRestartBudgetExhaustedDegrades(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{states: []domain.TransportState{{State: domain.StateStopped}}}
	corrector := &fakeCorrector{restartErr: domain.NewError(domain.ErrTransientNetwork, "TRANSIENT_NETWORK_ERROR", "reset")}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: corrector, Config: testConfig(),
	})
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not degrade")
	}

	assert.Equal(t, OutcomeDegraded, task.Outcome())
	restarts, _ := corrector.counts()
	assert.Equal(t, 3, restarts)
	dev, err := reg.Get("TV1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, dev.Observed.State)
	assert.Equal(t, domain.ReachabilityUnreachable, dev.Reachability)
}

func TestSupersededRestartEndsQuietly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{states: []domain.TransportState{{State: domain.StateStopped}}}
	corrector := &fakeCorrector{restartErr: ErrSuperseded}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Corrector: corrector, Config: testConfig(),
	})
	<-task.Done()
	assert.Equal(t, OutcomeCancelled, task.Outcome())
	restarts, _ := corrector.counts()
	assert.Equal(t, 1, restarts)
}

func TestFalseIdleIsRecordedAsPlaying(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{states: []domain.TransportState{{State: domain.StateStopped}}}
	corrector := &fakeCorrector{}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Activity: fakeActivity{recent: true},
		Corrector: corrector, Config: testConfig(),
	})
	require.Eventually(t, func() bool { return client.Calls() >= 4 }, time.Second, 5*time.Millisecond)
	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))

	restarts, _ := corrector.counts()
	assert.Zero(t, restarts)
	dev, err := reg.Get("TV1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlaying, dev.Observed.State)
}

func TestNonLoopVideoFinishes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, false)
	client := &fakeClient{states: []domain.TransportState{
		{State: domain.StatePlaying, Position: 50 * time.Second, Duration: 100 * time.Second},
		{State: domain.StatePlaying, Position: 99 * time.Second, Duration: 100 * time.Second},
		{State: domain.StateStopped},
	}}
	corrector := &fakeCorrector{}

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Activity: fakeActivity{recent: true},
		Corrector: corrector, Config: testConfig(),
	})
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}

	assert.Equal(t, OutcomeFinished, task.Outcome())
	restarts, finishes := corrector.counts()
	assert.Zero(t, restarts)
	assert.Equal(t, 1, finishes)
}

func TestLoopVideoRestartsAtEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	client := &fakeClient{states: []domain.TransportState{
		{State: domain.StatePlaying, Position: 99 * time.Second, Duration: 100 * time.Second},
		{State: domain.StateStopped},
	}}
	corrector := &fakeCorrector{}
	corrector.onRestart = func() { client.setStates(domain.TransportState{State: domain.StatePlaying, Position: time.Second}) }

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: client, Registry: reg, Activity: fakeActivity{recent: true},
		Corrector: corrector, Config: testConfig(),
	})
	require.Eventually(t, func() bool {
		restarts, _ := corrector.counts()
		return restarts == 1
	}, time.Second, 2*time.Millisecond)
	assert.True(t, task.Alive())

	task.Cancel()
	require.NoError(t, task.Wait(context.Background()))
	_, finishes := corrector.counts()
	assert.Zero(t, finishes)
}

func TestDeletedDeviceEndsTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newAssignedRegistry(t, true)
	require.NoError(t, reg.Delete("TV1"))

	task := Start(context.Background(), Spec{
		Device: "TV1", Client: &fakeClient{}, Registry: reg, Corrector: &fakeCorrector{}, Config: testConfig(),
	})
	<-task.Done()
	assert.Equal(t, OutcomeCancelled, task.Outcome())
}
