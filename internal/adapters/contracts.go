// Package adapters declares the narrow slices of go2tv this module depends on,
// so device backends and discovery can be faked in tests.
package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Discovery provides LAN hardware discovery primitives.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastClient represents a controllable Chromecast connection.
type CastClient interface {
	Connect() error
	Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error
	Pause() error
	Stop() error
	GetStatus() (*castprotocol.CastStatus, error)
	Close(stopMedia bool) error
}

// CastFactory creates CastClient instances.
type CastFactory interface {
	NewCastClient(deviceAddr string) (CastClient, error)
}

// DLNAPayload represents a DLNA AVTransport control channel.
type DLNAPayload interface {
	SendtoTV(action string) error
	SeekSoapCall(reltime string) error
	GetTransportInfo() ([]string, error)
	GetPositionInfo() ([]string, error)
	SetContext(ctx context.Context)
	MediaURL() string
	SetMediaURL(mediaURL string)
}

// DLNAFactory creates DLNA payload instances.
type DLNAFactory interface {
	NewTVPayload(o *soapcalls.Options) (DLNAPayload, error)
}
