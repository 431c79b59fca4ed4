package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/castkeeper/internal/domain"
	"go2tv.app/castkeeper/internal/registry"
)

type fakeAdapter struct {
	loadAllDevices func(delaySeconds int) ([]devices.Device, error)
	startLoopCalls int
}

func (f *fakeAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	f.startLoopCalls++
}

func (f *fakeAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	if f.loadAllDevices == nil {
		return nil, errors.New("not configured")
	}
	return f.loadAllDevices(delaySeconds)
}

func TestScan_NormalizationSortingAndStableIDs(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return true
	}

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return []devices.Device{
				{Name: "Kitchen Speaker (Chromecast Audio)", Addr: "http://192.168.1.30:8009", Type: "Chromecast", IsAudioOnly: true},
				{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA", IsAudioOnly: false},
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast", IsAudioOnly: false},
			}, nil
		},
	}

	svc := NewService(adapter, context.Background())

	first, err := svc.Scan(context.Background(), 2500*time.Millisecond)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	second, err := svc.Scan(context.Background(), 2500*time.Millisecond)
	if err != nil {
		t.Fatalf("scan (second call): %v", err)
	}

	if len(first) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(first))
	}
	if adapter.startLoopCalls != 1 {
		t.Fatalf("expected discovery loop to start once, got %d", adapter.startLoopCalls)
	}

	if first[0].Protocol != "dlna" {
		t.Fatalf("expected first protocol dlna, got %q", first[0].Protocol)
	}
	if first[1].Protocol != "chromecast" || first[2].Protocol != "chromecast" {
		t.Fatalf("expected chromecast devices after dlna, got %q and %q", first[1].Protocol, first[2].Protocol)
	}

	if first[1].Name != "Kitchen Speaker (Chromecast Audio)" || !first[1].IsAudioOnly {
		t.Fatalf("unexpected second device: %+v", first[1])
	}
	if first[0].Reachability != domain.ReachabilityReachable {
		t.Fatalf("expected reachable, got %q", first[0].Reachability)
	}

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("expected stable IDs across calls at index %d", i)
		}
	}
}

func TestScan_MarksUnreachableDevices(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return address == "http://192.168.1.10:1400/desc.xml"
	}

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return []devices.Device{
				{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA"},
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}

	svc := NewService(adapter, context.Background())
	found, err := svc.Scan(context.Background(), 2500*time.Millisecond)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(found) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(found))
	}
	if found[0].Reachability != domain.ReachabilityReachable {
		t.Fatalf("expected %s reachable, got %q", found[0].Address, found[0].Reachability)
	}
	if found[1].Reachability != domain.ReachabilityUnreachable {
		t.Fatalf("expected %s unreachable, got %q", found[1].Address, found[1].Reachability)
	}
}

func TestScan_TimeoutReturnsEmptyList(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			time.Sleep(120 * time.Millisecond)
			return []devices.Device{{Name: "Late Device", Addr: "http://192.168.1.50:8009", Type: "Chromecast"}}, nil
		},
	}

	svc := NewService(adapter, context.Background())
	start := time.Now()
	items, err := svc.Scan(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(items) != 0 {
		t.Fatalf("expected timeout to return empty list, got %d items", len(items))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected timeout behavior, elapsed=%s", elapsed)
	}
}

func TestTimeoutToDelaySecondsUsesCeil(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		want    int
	}{
		{timeout: 2500 * time.Millisecond, want: 3},
		{timeout: 2 * time.Second, want: 2},
		{timeout: time.Millisecond, want: 1},
		{timeout: 0, want: 1},
	}

	for _, tc := range cases {
		got := timeoutToDelaySeconds(tc.timeout)
		if got != tc.want {
			t.Fatalf("timeoutToDelaySeconds(%s) = %d, want %d", tc.timeout, got, tc.want)
		}
	}
}

func TestScan_RetriesWithinTimeoutToCatchWarmupDevices(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return true
	}

	callCount := 0
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			callCount++
			if callCount == 1 {
				return nil, devices.ErrNoDeviceAvailable
			}
			return []devices.Device{
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}

	svc := NewService(adapter, context.Background())
	items, err := svc.Scan(context.Background(), 4500*time.Millisecond)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 device, got %d", len(items))
	}
	if callCount < 2 {
		t.Fatalf("expected at least 2 discovery calls, got %d", callCount)
	}
}

func TestSyncInto_UpsertsWithoutTouchingAssignments(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return true
	}

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return []devices.Device{
				{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA"},
				{Name: "", Addr: "http://192.168.1.99:8009", Type: "Chromecast"},
			}, nil
		},
	}

	reg := registry.New()
	if _, err := reg.Upsert(domain.Device{Name: "Bedroom TV", Address: "http://192.168.1.9:1400/desc.xml", Protocol: "dlna"}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	if err := reg.SetDesired("Bedroom TV", &domain.Assignment{VideoID: "clip.mp4", Loop: true}); err != nil {
		t.Fatalf("set desired: %v", err)
	}

	svc := NewService(adapter, context.Background())
	n, err := svc.SyncInto(context.Background(), reg, time.Second)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 device upserted (nameless skipped), got %d", n)
	}

	dev, err := reg.Get("Bedroom TV")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Address != "http://192.168.1.10:1400/desc.xml" {
		t.Fatalf("expected address refreshed, got %s", dev.Address)
	}
	if dev.Desired == nil || dev.Desired.VideoID != "clip.mp4" {
		t.Fatalf("expected desired assignment kept, got %+v", dev.Desired)
	}
	if dev.Reachability != domain.ReachabilityReachable {
		t.Fatalf("expected reachable, got %q", dev.Reachability)
	}
}

type countingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSink) Upsert(dev domain.Device) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return dev, nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRun_RepeatsUntilCancelled(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(address string, timeout time.Duration) bool {
		return false
	}

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return []devices.Device{{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA"}}, nil
		},
	}
	svc := NewService(adapter, context.Background())
	sink := &countingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, sink, 10*time.Millisecond, time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 passes, got %d", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
