package mediaserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go2tv.app/castkeeper/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeClock) {
	t.Helper()
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}
	s := New(opts)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clock
}

func writeVideo(t *testing.T, name string, size int) domain.Video {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
	return domain.Video{ID: name, Path: path, Format: "video/mp4", Size: int64(size)}
}

func TestRangeRequestRecordsActivity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, clock := newTestServer(t, Options{MaxBindAttempts: 1})
	video := writeVideo(t, "clip.mp4", 4096)

	info, err := s.StartSession(context.Background(), video, "TV1", "http://10.0.0.5:1400/desc.xml")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, info.Status)
	assert.Contains(t, info.URL, "/media/"+info.ID+"/clip.mp4")

	clock.Advance(10 * time.Second)

	req, err := http.NewRequest(http.MethodGet, info.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Len(t, body, 100)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Streaming", resp.Header.Get("transferMode.dlna.org"))

	got, err := s.Session(info.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.BytesServed)
	assert.Equal(t, clock.Now(), got.LastActivityAt)

	headResp, err := http.Head(info.URL)
	require.NoError(t, err)
	require.NoError(t, headResp.Body.Close())
	assert.Equal(t, http.StatusOK, headResp.StatusCode)

	require.NoError(t, s.Close(context.Background()))
	http.DefaultClient.CloseIdleConnections()
}

func TestUnknownSessionPathIsNotFound(t *testing.T) {
	s, _ := newTestServer(t, Options{MaxBindAttempts: 1})
	info, err := s.StartSession(context.Background(), writeVideo(t, "a.mp4", 10), "TV1", "")
	require.NoError(t, err)

	wrong := strings.Replace(info.URL, info.ID, "not-a-session", 1)
	resp, err := http.Get(wrong)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.True(t, errors.Is(s.RecordActivity("not-a-session", 1), domain.ErrNotFound))
	http.DefaultClient.CloseIdleConnections()
}

func TestStartSessionSupersedesAndReusesPort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _ := newTestServer(t, Options{MaxBindAttempts: 1})
	first, err := s.StartSession(context.Background(), writeVideo(t, "a.mp4", 10), "TV1", "")
	require.NoError(t, err)
	second, err := s.StartSession(context.Background(), writeVideo(t, "b.mp4", 10), "TV1", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ListenAddress, second.ListenAddress)

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "b.mp4", sessions[0].VideoID)

	_, err = s.Session(first.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	current, ok := s.SessionForDevice("TV1")
	require.True(t, ok)
	assert.Equal(t, second.ID, current.ID)

	require.NoError(t, s.Close(context.Background()))
}

func TestConcurrentStartsKeepOneSessionPerDevice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _ := newTestServer(t, Options{MaxBindAttempts: 1})
	video := writeVideo(t, "a.mp4", 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.StartSession(context.Background(), video, "TV1", "")
		}()
	}
	wg.Wait()

	assert.Len(t, s.Sessions(), 1)
	require.NoError(t, s.Close(context.Background()))
}

func TestBindFailureIsResourceExhausted(t *testing.T) {
	s, _ := newTestServer(t, Options{Port: 9000, MaxBindAttempts: 3})

	var mu sync.Mutex
	var tried []string
	s.listen = func(network, address string) (net.Listener, error) {
		mu.Lock()
		defer mu.Unlock()
		tried = append(tried, address)
		return nil, errors.New("address already in use")
	}

	_, err := s.StartSession(context.Background(), writeVideo(t, "a.mp4", 10), "TV1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrResourceExhausted))
	assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"}, tried)
	assert.Empty(t, s.Sessions())
}

func TestMaxSessionsIsResourceExhausted(t *testing.T) {
	s, _ := newTestServer(t, Options{MaxBindAttempts: 1, MaxSessions: 1})
	video := writeVideo(t, "a.mp4", 10)

	_, err := s.StartSession(context.Background(), video, "TV1", "")
	require.NoError(t, err)

	_, err = s.StartSession(context.Background(), video, "TV2", "")
	assert.True(t, errors.Is(err, domain.ErrResourceExhausted))

	_, err = s.StartSession(context.Background(), video, "TV1", "")
	require.NoError(t, err, "superseding the device's own session stays within the limit")
}

func TestHostForDeviceSelectsBindInterface(t *testing.T) {
	s := New(Options{MaxBindAttempts: 1})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	var asked string
	s.hostForDevice = func(addr string) (string, error) {
		asked = addr
		return "127.0.0.1", nil
	}
	info, err := s.StartSession(context.Background(), writeVideo(t, "a.mp4", 10), "TV1", "http://10.0.0.5:1400/desc.xml")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:1400/desc.xml", asked)
	assert.True(t, strings.HasPrefix(info.URL, "http://127.0.0.1:"))

	s.hostForDevice = func(string) (string, error) { return "", errors.New("no route") }
	_, err = s.StartSession(context.Background(), writeVideo(t, "b.mp4", 10), "TV2", "10.9.9.9")
	assert.True(t, errors.Is(err, domain.ErrDeviceUnreachable))
}

func TestSweeperMovesThroughIdleGraceToExpired(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, clock := newTestServer(t, Options{MaxBindAttempts: 1, IdleGrace: 30 * time.Second, ExpireAfter: 2 * time.Minute})
	info, err := s.StartSession(context.Background(), writeVideo(t, "a.mp4", 10), "TV1", "")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	s.sweep()
	got, err := s.Session(info.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionIdleGrace, got.Status)

	require.NoError(t, s.RecordActivity(info.ID, 512))
	got, err = s.Session(info.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.Equal(t, int64(512), got.BytesServed)

	clock.Advance(2 * time.Minute)
	s.sweep()
	_, err = s.Session(info.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, ok := s.SessionForDevice("TV1")
	assert.False(t, ok)
	assert.True(t, errors.Is(s.RecordActivity(info.ID, 1), domain.ErrNotFound))

	require.NoError(t, s.Close(context.Background()))
}

func TestStopAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _ := newTestServer(t, Options{MaxBindAttempts: 1, SweepEvery: time.Hour})
	video := writeVideo(t, "a.mp4", 10)
	a, err := s.StartSession(context.Background(), video, "TV1", "")
	require.NoError(t, err)
	_, err = s.StartSession(context.Background(), video, "TV2", "")
	require.NoError(t, err)

	assert.Len(t, s.SessionsForVideo("a.mp4"), 2)
	require.NoError(t, s.StopSession(a.ID))
	assert.True(t, errors.Is(s.StopSession(a.ID), domain.ErrNotFound))
	assert.True(t, s.StopDevice("TV2"))
	assert.False(t, s.StopDevice("TV2"))

	require.NoError(t, s.Close(context.Background()))
	_, err = s.StartSession(context.Background(), video, "TV1", "")
	assert.True(t, errors.Is(err, domain.ErrShuttingDown))
}
