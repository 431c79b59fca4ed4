// Package discovery finds DLNA and Chromecast renderers on the local network
// and feeds them into the device registry.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/devices"
	"golang.org/x/sync/errgroup"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

const (
	defaultTimeout               = 2500 * time.Millisecond
	reachabilityWait             = 400 * time.Millisecond
	defaultDiscoveryDelaySeconds = 1
	maxPerAttemptTimeout         = 3 * time.Second
	maxConcurrentProbes          = 8
)

var isReachableAddress = defaultReachableAddress

// Sink receives discovered devices. The registry satisfies it.
type Sink interface {
	Upsert(dev domain.Device) (domain.Device, error)
}

type Service struct {
	adapter adapters.Discovery
	loopCtx context.Context
	once    sync.Once
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(adapter adapters.Discovery, loopCtx context.Context) *Service {
	if loopCtx == nil {
		loopCtx = context.Background()
	}

	return &Service{
		adapter: adapter,
		loopCtx: loopCtx,
		now:     time.Now,
		logger:  xlog.WithComponent("discovery"),
	}
}

// Scan runs one discovery pass. Devices that do not accept a TCP connection
// are returned marked unreachable. A pass that finds nothing before timeout
// returns an empty list.
func (s *Service) Scan(ctx context.Context, timeout time.Duration) ([]domain.Device, error) {
	if s.adapter == nil {
		return nil, errors.New("discovery adapter is not configured")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	s.once.Do(func() {
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})

	type result struct {
		devices []devices.Device
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		loaded, err := s.loadAllDevicesUntilTimeout(ctx, timeout)
		resultCh <- result{devices: loaded, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return []domain.Device{}, nil
	case res := <-resultCh:
		if res.err != nil {
			if errors.Is(res.err, devices.ErrNoDeviceAvailable) {
				return []domain.Device{}, nil
			}
			return nil, res.err
		}

		normalized := normalizeDevices(res.devices, s.now())
		if err := probeReachability(ctx, normalized); err != nil {
			return nil, err
		}
		sortDevices(normalized)
		return normalized, nil
	}
}

// SyncInto scans once and upserts every device found into sink. It returns
// the number of devices upserted.
func (s *Service) SyncInto(ctx context.Context, sink Sink, timeout time.Duration) (int, error) {
	found, err := s.Scan(ctx, timeout)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dev := range found {
		if _, err := sink.Upsert(dev); err != nil {
			s.logger.Warn().Err(err).Str(xlog.FieldDevice, dev.Name).Msg("skipping discovered device")
			continue
		}
		n++
	}
	s.logger.Debug().Str(xlog.FieldEvent, "discovery.synced").Int("devices", n).Msg("discovery pass complete")
	return n, nil
}

// Run calls SyncInto immediately and then every interval until ctx ends.
func (s *Service) Run(ctx context.Context, sink Sink, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncInto(ctx, sink, timeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Str(xlog.FieldEvent, "discovery.failed").Msg("discovery pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) loadAllDevicesUntilTimeout(ctx context.Context, timeout time.Duration) ([]devices.Device, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if errors.Is(lastErr, devices.ErrNoDeviceAvailable) || lastErr == nil {
				return []devices.Device{}, nil
			}
			return nil, lastErr
		}

		loaded, err := s.adapter.LoadAllDevices(timeoutToDelaySeconds(min(remaining, maxPerAttemptTimeout)))
		if err == nil {
			if len(loaded) > 0 {
				return loaded, nil
			}
			return []devices.Device{}, nil
		}
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, err
		}

		lastErr = err
	}
}

func timeoutToDelaySeconds(timeout time.Duration) int {
	seconds := int(math.Ceil(timeout.Seconds()))
	if seconds <= 0 {
		return defaultDiscoveryDelaySeconds
	}
	return seconds
}

func normalizeDevices(discovered []devices.Device, seenAt time.Time) []domain.Device {
	result := make([]domain.Device, 0, len(discovered))
	for _, raw := range discovered {
		protocol := normalizeProtocol(raw.Type)
		address := strings.TrimSpace(raw.Addr)

		result = append(result, domain.Device{
			ID:          stableID(protocol, address),
			Name:        strings.TrimSpace(raw.Name),
			Type:        strings.TrimSpace(raw.Type),
			Address:     address,
			IsAudioOnly: raw.IsAudioOnly,
			Protocol:    protocol,
			LastSeen:    seenAt,
		})
	}

	return result
}

// probeReachability dials every device concurrently and records the answer.
func probeReachability(ctx context.Context, all []domain.Device) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i := range all {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isReachableAddress(all[i].Address, reachabilityWait) {
				all[i].Reachability = domain.ReachabilityReachable
			} else {
				all[i].Reachability = domain.ReachabilityUnreachable
			}
			return nil
		})
	}
	return g.Wait()
}

func sortDevices(all []domain.Device) {
	sort.Slice(all, func(i, j int) bool {
		if protocolRank(all[i].Protocol) != protocolRank(all[j].Protocol) {
			return protocolRank(all[i].Protocol) < protocolRank(all[j].Protocol)
		}
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		if strings.ToLower(all[i].Address) != strings.ToLower(all[j].Address) {
			return strings.ToLower(all[i].Address) < strings.ToLower(all[j].Address)
		}
		return all[i].ID < all[j].ID
	})
}

func protocolRank(protocol string) int {
	switch protocol {
	case domain.ProtocolDLNA:
		return 0
	case domain.ProtocolChromecast:
		return 1
	default:
		return 2
	}
}

func stableID(protocol, address string) string {
	canonical := fmt.Sprintf("%s|%s", protocol, canonicalAddress(address))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func normalizeProtocol(kind string) string {
	lower := strings.ToLower(strings.TrimSpace(kind))
	if strings.Contains(lower, "chrome") {
		return domain.ProtocolChromecast
	}
	if strings.Contains(lower, "dlna") {
		return domain.ProtocolDLNA
	}
	return lower
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	hostPort := address
	if parsed, err := url.Parse(address); err == nil && parsed.Host != "" {
		hostPort = parsed.Host
		if parsed.Port() == "" {
			if strings.EqualFold(parsed.Scheme, "https") {
				hostPort = net.JoinHostPort(parsed.Hostname(), "443")
			} else {
				hostPort = net.JoinHostPort(parsed.Hostname(), "80")
			}
		}
	}
	if hostPort == "" {
		return false
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
