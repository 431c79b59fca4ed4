package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/go2tv/v2/soapcalls"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/castkeeper/internal/domain"
)

type dlnaClient struct {
	factory adapters.DLNAFactory
	address string
	call    *caller

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	payload adapters.DLNAPayload
	// status is a media-less control channel for querying a renderer
	// nothing has been played on yet.
	status adapters.DLNAPayload
}

func newDLNAClient(factory adapters.DLNAFactory, address string, call *caller) *dlnaClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &dlnaClient{
		factory:    factory,
		address:    address,
		call:       call,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Play points the renderer at media.URL and starts it. The payload is rebuilt
// on every Play so a renderer that rebooted gets a fresh control URL.
func (c *dlnaClient) Play(ctx context.Context, media Media) error {
	return c.call.do(ctx, "play", func() error {
		payload, err := c.factory.NewTVPayload(&soapcalls.Options{
			Ctx:   c.baseCtx,
			DMR:   c.address,
			Media: media.URL,
			Mtype: media.ContentType,
			Seek:  true,
		})
		if err != nil {
			return fmt.Errorf("initialize DLNA payload: %w", err)
		}
		payload.SetContext(c.baseCtx)
		payload.SetMediaURL(media.URL)
		if err := payload.SendtoTV("Play1"); err != nil {
			return err
		}

		c.mu.Lock()
		c.payload = payload
		c.mu.Unlock()
		return nil
	})
}

func (c *dlnaClient) Pause(ctx context.Context) error {
	payload, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "pause", func() error {
		return payload.SendtoTV("Pause")
	})
}

func (c *dlnaClient) Stop(ctx context.Context) error {
	payload, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "stop", func() error {
		return payload.SendtoTV("Stop")
	})
}

func (c *dlnaClient) Seek(ctx context.Context, position time.Duration) error {
	payload, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "seek", func() error {
		return payload.SeekSoapCall(formatClock(position))
	})
}

// TransportState asks the renderer what it is doing. Before any Play the
// query goes over a control channel built from the device description alone.
func (c *dlnaClient) TransportState(ctx context.Context) (domain.TransportState, error) {
	result := make(chan domain.TransportState, 1)
	err := c.call.do(ctx, "transport_state", func() error {
		payload, err := c.statusPayload()
		if err != nil {
			return err
		}
		transport, err := payload.GetTransportInfo()
		if err != nil {
			return err
		}
		out := domain.TransportState{State: normalizeDLNATransport(transport)}
		if out.State.Active() {
			// Position is best effort; some renderers reject it while transitioning.
			if p, pErr := payload.GetPositionInfo(); pErr == nil && len(p) >= 2 {
				out.Duration, _ = parseClock(p[0])
				out.Position, _ = parseClock(p[1])
			}
		}
		result <- out
		return nil
	})
	if err != nil {
		return domain.TransportState{}, err
	}
	return <-result, nil
}

func (c *dlnaClient) statusPayload() (adapters.DLNAPayload, error) {
	c.mu.Lock()
	if c.payload != nil {
		defer c.mu.Unlock()
		return c.payload, nil
	}
	if c.status != nil {
		defer c.mu.Unlock()
		return c.status, nil
	}
	c.mu.Unlock()

	payload, err := c.factory.NewTVPayload(&soapcalls.Options{Ctx: c.baseCtx, DMR: c.address})
	if err != nil {
		return nil, fmt.Errorf("initialize DLNA payload: %w", err)
	}
	payload.SetContext(c.baseCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		c.status = payload
	}
	return c.status, nil
}

func (c *dlnaClient) Close() error {
	c.baseCancel()
	c.mu.Lock()
	c.payload = nil
	c.status = nil
	c.mu.Unlock()
	return nil
}

func (c *dlnaClient) current() (adapters.DLNAPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil {
		return nil, domain.NewError(domain.ErrNoActiveAssignment, "NO_ACTIVE_MEDIA", "no media loaded on DLNA renderer %s", c.address)
	}
	return c.payload, nil
}

func normalizeDLNAState(s string) domain.PlaybackState {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "playing":
		return domain.StatePlaying
	case "paused", "paused_playback", "paused_recording":
		return domain.StatePaused
	case "stopped", "no_media_present":
		return domain.StateStopped
	case "buffering", "transitioning":
		return domain.StateBuffering
	default:
		return domain.StateError
	}
}

func normalizeDLNATransport(v []string) domain.PlaybackState {
	if len(v) == 0 {
		return domain.StateError
	}
	return normalizeDLNAState(v[0])
}

// parseClock parses the H+:MM:SS[.F] form AVTransport uses for positions.
func parseClock(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "NOT_IMPLEMENTED") {
		return 0, fmt.Errorf("no clock value")
	}
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed clock value %q", v)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed hours in %q", v)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed minutes in %q", v)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed seconds in %q", v)
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return total + time.Duration(seconds*float64(time.Second)), nil
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
