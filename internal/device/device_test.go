package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/soapcalls"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/castkeeper/internal/domain"
)

type fakeDLNAFactory struct {
	mu       sync.Mutex
	options  []soapcalls.Options
	payloads []*fakeDLNAPayload
	next     *fakeDLNAPayload
	err      error
}

func (f *fakeDLNAFactory) NewTVPayload(o *soapcalls.Options) (adapters.DLNAPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.options = append(f.options, *o)
	p := f.next
	if p == nil {
		p = &fakeDLNAPayload{transport: []string{"PLAYING"}, position: []string{"0:01:40", "0:00:12"}}
	}
	f.payloads = append(f.payloads, p)
	return p, nil
}

type fakeDLNAPayload struct {
	mu        sync.Mutex
	actions   []string
	seeks     []string
	mediaURL  string
	transport []string
	position  []string
	block     chan struct{}
}

func (p *fakeDLNAPayload) SendtoTV(action string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
	return nil
}

func (p *fakeDLNAPayload) SeekSoapCall(reltime string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, reltime)
	return nil
}

func (p *fakeDLNAPayload) GetTransportInfo() ([]string, error) {
	if p.block != nil {
		<-p.block
	}
	return p.transport, nil
}

func (p *fakeDLNAPayload) GetPositionInfo() ([]string, error) { return p.position, nil }

func (p *fakeDLNAPayload) SetContext(context.Context) {}

func (p *fakeDLNAPayload) MediaURL() string { return p.mediaURL }

func (p *fakeDLNAPayload) SetMediaURL(mediaURL string) { p.mediaURL = mediaURL }

type fakeCastFactory struct {
	client *fakeCastClient
}

func (f *fakeCastFactory) NewCastClient(string) (adapters.CastClient, error) {
	return f.client, nil
}

type fakeCastClient struct {
	mu         sync.Mutex
	connects   int
	loads      []int
	loadURLs   []string
	pauses     int
	stops      int
	closed     bool
	status     castprotocol.CastStatus
	connectErr error
}

func (c *fakeCastClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.connectErr
}

func (c *fakeCastClient) Load(mediaURL, _ string, startTime int, _ float64, _ string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads = append(c.loads, startTime)
	c.loadURLs = append(c.loadURLs, mediaURL)
	return nil
}

func (c *fakeCastClient) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses++
	return nil
}

func (c *fakeCastClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCastClient) GetStatus() (*castprotocol.CastStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status
	return &status, nil
}

func (c *fakeCastClient) Close(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestFactoryRejectsUnknownProtocol(t *testing.T) {
	f := NewFactory(&fakeCastFactory{}, &fakeDLNAFactory{}, time.Second)

	_, err := f.Open(domain.Device{Name: "x", Address: "10.0.0.1", Protocol: "airplay"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedProtocol))
	assert.Equal(t, "UNSUPPORTED_PROTOCOL", domain.Code(err))

	_, err = f.Open(domain.Device{Name: "x", Protocol: "dlna"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestDLNAPlayPointsRendererAtMediaURL(t *testing.T) {
	factory := &fakeDLNAFactory{}
	f := NewFactory(nil, factory, time.Second)
	client, err := f.Open(domain.Device{Name: "TV1", Address: "http://10.0.0.5:1400/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)
	defer client.Close()

	media := Media{URL: "http://10.0.0.2:8500/media/s1/clip.mp4", ContentType: "video/mp4", Duration: 100 * time.Second}
	require.NoError(t, client.Play(context.Background(), media))

	require.Len(t, factory.options, 1)
	assert.Equal(t, "http://10.0.0.5:1400/desc.xml", factory.options[0].DMR)
	assert.Equal(t, media.URL, factory.options[0].Media)
	assert.Equal(t, "video/mp4", factory.options[0].Mtype)

	payload := factory.payloads[0]
	assert.Equal(t, media.URL, payload.MediaURL())
	assert.Equal(t, []string{"Play1"}, payload.actions)

	state, err := client.TransportState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlaying, state.State)
	assert.Equal(t, 12*time.Second, state.Position)
	assert.Equal(t, 100*time.Second, state.Duration)

	require.NoError(t, client.Seek(context.Background(), 75*time.Second))
	require.NoError(t, client.Pause(context.Background()))
	require.NoError(t, client.Stop(context.Background()))
	assert.Equal(t, []string{"00:01:15"}, payload.seeks)
	assert.Equal(t, []string{"Play1", "Pause", "Stop"}, payload.actions)
}

func TestDLNATransportStateBeforePlay(t *testing.T) {
	factory := &fakeDLNAFactory{next: &fakeDLNAPayload{transport: []string{"STOPPED"}}}
	f := NewFactory(nil, factory, time.Second)
	client, err := f.Open(domain.Device{Name: "TV1", Address: "http://10.0.0.5:1400/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)
	defer client.Close()

	for range 2 {
		state, err := client.TransportState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.StateStopped, state.State)
	}
	require.Len(t, factory.options, 1, "status channel is built once")
	assert.Equal(t, "http://10.0.0.5:1400/desc.xml", factory.options[0].DMR)
	assert.Empty(t, factory.options[0].Media)

	// Control calls still need loaded media.
	assert.True(t, errors.Is(client.Pause(context.Background()), domain.ErrNoActiveAssignment))
	assert.True(t, errors.Is(client.Stop(context.Background()), domain.ErrNoActiveAssignment))
}

func TestDLNATransportStateBeforePlayFailsWhenRendererIsGone(t *testing.T) {
	factory := &fakeDLNAFactory{err: errors.New("dial tcp 10.0.0.5:1400: connect: connection refused")}
	f := NewFactory(nil, factory, time.Second)
	client, err := f.Open(domain.Device{Name: "TV1", Address: "http://10.0.0.5:1400/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.TransportState(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCastTransportStateBeforePlay(t *testing.T) {
	cc := &fakeCastClient{}
	f := NewFactory(&fakeCastFactory{client: cc}, nil, time.Second)
	client, err := f.Open(domain.Device{Name: "Kitchen", Address: "10.0.0.9:8009", Protocol: "chromecast"})
	require.NoError(t, err)

	state, err := client.TransportState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, state.State)
	assert.Zero(t, state.Duration)
	assert.Equal(t, 1, cc.connects)

	require.NoError(t, client.Close())
	assert.True(t, cc.closed)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	factory := &fakeDLNAFactory{next: &fakeDLNAPayload{transport: []string{"PLAYING"}, block: release}}
	f := NewFactory(nil, factory, 30*time.Millisecond)
	client, err := f.Open(domain.Device{Name: "TV1", Address: "http://10.0.0.5/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)
	require.NoError(t, client.Play(context.Background(), Media{URL: "http://x/media/s/a.mp4"}))

	started := time.Now()
	_, err = client.TransportState(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(started), time.Second)

	close(release)
	require.Eventually(t, func() bool {
		_, err := client.TransportState(context.Background())
		return err == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())
}

func TestCallReturnsParentCancellation(t *testing.T) {
	f := NewFactory(nil, &fakeDLNAFactory{}, time.Second)
	client, err := f.Open(domain.Device{Name: "TV1", Address: "http://10.0.0.5/desc.xml", Protocol: "dlna"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.Play(ctx, Media{URL: "http://x/a.mp4"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}

func TestCastSeekReloadsAtStartTime(t *testing.T) {
	cc := &fakeCastClient{status: castprotocol.CastStatus{PlayerState: "PLAYING", CurrentTime: 42}}
	f := NewFactory(&fakeCastFactory{client: cc}, nil, time.Second)
	client, err := f.Open(domain.Device{Name: "Kitchen", Address: "10.0.0.9:8009", Protocol: "chromecast"})
	require.NoError(t, err)

	media := Media{URL: "http://10.0.0.2:8500/media/s2/a.mp4", ContentType: "video/mp4", Duration: 90 * time.Second}
	require.NoError(t, client.Play(context.Background(), media))
	require.NoError(t, client.Seek(context.Background(), 30*time.Second))
	require.NoError(t, client.Pause(context.Background()))

	state, err := client.TransportState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatePlaying, state.State)
	assert.Equal(t, 42*time.Second, state.Position)
	assert.Equal(t, 90*time.Second, state.Duration)

	assert.Equal(t, 1, cc.connects)
	assert.Equal(t, []int{0, 30}, cc.loads)
	assert.Equal(t, 1, cc.pauses)

	require.NoError(t, client.Close())
	assert.True(t, cc.closed)
}

func TestRetryStopsOnNonTransientErrors(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, zerolog.Nop(), "play", func(context.Context) error {
		calls++
		return domain.NewError(domain.ErrTransientNetwork, "TRANSIENT_NETWORK_ERROR", "reset")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))

	calls = 0
	err = Retry(context.Background(), policy, zerolog.Nop(), "play", func(context.Context) error {
		calls++
		return errors.New("soap fault 701")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), policy, zerolog.Nop(), "play", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestStateNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want domain.PlaybackState
	}{
		{"PLAYING", domain.StatePlaying},
		{"PAUSED_PLAYBACK", domain.StatePaused},
		{"NO_MEDIA_PRESENT", domain.StateStopped},
		{"TRANSITIONING", domain.StateBuffering},
		{"garbage", domain.StateError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDLNAState(tt.in), tt.in)
	}
	assert.Equal(t, domain.StateStopped, normalizeCastState("IDLE"))
	assert.Equal(t, domain.StateBuffering, normalizeCastState("BUFFERING"))
}

func TestClockRoundTrip(t *testing.T) {
	d, err := parseClock("1:02:03.500")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3500*time.Millisecond, d)

	_, err = parseClock("NOT_IMPLEMENTED")
	assert.Error(t, err)
	_, err = parseClock("12")
	assert.Error(t, err)

	assert.Equal(t, "01:02:03", formatClock(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "00:00:00", formatClock(-time.Second))
}
