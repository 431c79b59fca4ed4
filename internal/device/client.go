// Package device drives playback devices through a protocol-independent
// Client. Every call carries an explicit timeout; a timed out call surfaces as
// a transient network error.
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// Media is what a device is asked to play.
type Media struct {
	URL         string
	ContentType string
	Duration    time.Duration
	Loop        bool
}

// Client is the capability set every device backend offers.
type Client interface {
	Play(ctx context.Context, media Media) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	TransportState(ctx context.Context) (domain.TransportState, error)
	Close() error
}

// Opener builds a Client for a device. The coordinator depends on this rather
// than on Factory so tests can hand out fakes.
type Opener interface {
	Open(dev domain.Device) (Client, error)
}

type Factory struct {
	cast        adapters.CastFactory
	dlna        adapters.DLNAFactory
	callTimeout time.Duration
	logger      zerolog.Logger
}

func NewFactory(cast adapters.CastFactory, dlna adapters.DLNAFactory, callTimeout time.Duration) *Factory {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Factory{
		cast:        cast,
		dlna:        dlna,
		callTimeout: callTimeout,
		logger:      xlog.WithComponent("device"),
	}
}

// Open selects the backend from the device protocol.
func (f *Factory) Open(dev domain.Device) (Client, error) {
	address := strings.TrimSpace(dev.Address)
	if address == "" {
		return nil, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "device %s has no address", dev.Name)
	}

	protocol := strings.ToLower(strings.TrimSpace(dev.Protocol))
	switch protocol {
	case domain.ProtocolDLNA:
		if f.dlna == nil {
			return nil, domain.NewError(nil, "INTERNAL_ERROR", "DLNA adapter is not configured")
		}
		return newDLNAClient(f.dlna, address, newCaller(protocol, f.callTimeout)), nil
	case domain.ProtocolChromecast:
		if f.cast == nil {
			return nil, domain.NewError(nil, "INTERNAL_ERROR", "Chromecast adapter is not configured")
		}
		return newCastClient(f.cast, address, newCaller(protocol, f.callTimeout)), nil
	default:
		return nil, unsupportedProtocolError(protocol)
	}
}

func unsupportedProtocolError(protocol string) *domain.ToolError {
	p := strings.TrimSpace(protocol)
	if p == "" {
		p = "unknown"
	}
	return &domain.ToolError{
		Code:    "UNSUPPORTED_PROTOCOL",
		Message: fmt.Sprintf("device protocol %q is not supported", p),
		Kind:    domain.ErrUnsupportedProtocol,
		Limitations: []domain.Limitation{
			{
				Code:    "PROTOCOL_UNSUPPORTED",
				Message: "Only Chromecast and DLNA/UPnP device protocols are supported.",
			},
		},
		SuggestedFixes: []string{
			"Register the device with protocol \"dlna\" or \"chromecast\".",
		},
		Details: map[string]any{
			"protocol": p,
		},
	}
}
