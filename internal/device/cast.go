package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/castkeeper/internal/domain"
)

type castClient struct {
	factory adapters.CastFactory
	address string
	call    *caller

	mu     sync.Mutex
	client adapters.CastClient
	media  *Media
}

func newCastClient(factory adapters.CastFactory, address string, call *caller) *castClient {
	return &castClient{factory: factory, address: address, call: call}
}

func (c *castClient) Play(ctx context.Context, media Media) error {
	return c.call.do(ctx, "play", func() error {
		client, err := c.connected()
		if err != nil {
			return err
		}
		if err := client.Load(media.URL, media.ContentType, 0, media.Duration.Seconds(), "", false); err != nil {
			c.drop(client)
			return err
		}
		c.mu.Lock()
		copied := media
		c.media = &copied
		c.mu.Unlock()
		return nil
	})
}

func (c *castClient) Pause(ctx context.Context) error {
	client, _, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "pause", client.Pause)
}

func (c *castClient) Stop(ctx context.Context) error {
	client, _, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "stop", client.Stop)
}

// Seek reloads the current media at the requested start time; the cast
// receiver keeps no separate seek channel for a loaded URL.
func (c *castClient) Seek(ctx context.Context, position time.Duration) error {
	client, media, err := c.current()
	if err != nil {
		return err
	}
	return c.call.do(ctx, "seek", func() error {
		return client.Load(media.URL, media.ContentType, int(position/time.Second), media.Duration.Seconds(), "", false)
	})
}

// TransportState reports the receiver's player state. With nothing loaded
// yet it still connects, so a reachable receiver answers as stopped.
func (c *castClient) TransportState(ctx context.Context) (domain.TransportState, error) {
	result := make(chan domain.TransportState, 1)
	err := c.call.do(ctx, "transport_state", func() error {
		client, err := c.connected()
		if err != nil {
			return err
		}
		var duration time.Duration
		c.mu.Lock()
		if c.media != nil {
			duration = c.media.Duration
		}
		c.mu.Unlock()

		status, err := client.GetStatus()
		if err != nil {
			return err
		}
		if status == nil {
			result <- domain.TransportState{State: domain.StateStopped, Duration: duration}
			return nil
		}
		result <- domain.TransportState{
			State:    normalizeCastState(status.PlayerState),
			Position: time.Duration(float64(status.CurrentTime) * float64(time.Second)),
			Duration: duration,
		}
		return nil
	})
	if err != nil {
		return domain.TransportState{}, err
	}
	return <-result, nil
}

func (c *castClient) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.media = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close(false)
}

func (c *castClient) connected() (adapters.CastClient, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := c.factory.NewCastClient(c.address)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		_ = client.Close(false)
		return nil, err
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return client, nil
}

// drop forgets a connection that failed so the next Play reconnects.
func (c *castClient) drop(client adapters.CastClient) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	c.mu.Unlock()
	_ = client.Close(false)
}

func (c *castClient) current() (adapters.CastClient, Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.media == nil {
		return nil, Media{}, domain.NewError(domain.ErrNoActiveAssignment, "NO_ACTIVE_MEDIA", "no media loaded on Chromecast %s", c.address)
	}
	return c.client, *c.media, nil
}

func normalizeCastState(state string) domain.PlaybackState {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "PLAYING":
		return domain.StatePlaying
	case "PAUSED":
		return domain.StatePaused
	case "BUFFERING", "LOADING":
		return domain.StateBuffering
	case "IDLE", "":
		return domain.StateStopped
	default:
		return domain.StateError
	}
}
