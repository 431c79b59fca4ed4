package go2tv

import (
	"context"

	"go2tv.app/castkeeper/internal/adapters"
	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	Discovery   adapters.Discovery
	CastFactory adapters.CastFactory
	DLNAFactory adapters.DLNAFactory
}

func NewBundle() Bundle {
	return Bundle{
		Discovery:   DiscoveryAdapter{},
		CastFactory: CastFactory{},
		DLNAFactory: DLNAFactory{},
	}
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	devices.StartChromecastDiscoveryLoop(ctx)
}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

type CastFactory struct{}

func (CastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	client, err := castprotocol.NewCastClient(deviceAddr)
	if err != nil {
		return nil, err
	}
	return &castClient{client: client}, nil
}

type castClient struct {
	client *castprotocol.CastClient
}

func (c *castClient) Connect() error { return c.client.Connect() }

func (c *castClient) Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error {
	return c.client.Load(mediaURL, contentType, startTime, duration, subtitleURL, live)
}

func (c *castClient) Pause() error { return c.client.Pause() }

func (c *castClient) Stop() error { return c.client.Stop() }

func (c *castClient) GetStatus() (*castprotocol.CastStatus, error) {
	return c.client.GetStatus()
}

func (c *castClient) Close(stopMedia bool) error { return c.client.Close(stopMedia) }

type DLNAFactory struct{}

func (DLNAFactory) NewTVPayload(o *soapcalls.Options) (adapters.DLNAPayload, error) {
	payload, err := soapcalls.NewTVPayload(o)
	if err != nil {
		return nil, err
	}
	return &dlnaPayload{payload: payload}, nil
}

type dlnaPayload struct {
	payload *soapcalls.TVPayload
}

func (d *dlnaPayload) SendtoTV(action string) error { return d.payload.SendtoTV(action) }

func (d *dlnaPayload) SeekSoapCall(reltime string) error { return d.payload.SeekSoapCall(reltime) }

func (d *dlnaPayload) GetTransportInfo() ([]string, error) { return d.payload.GetTransportInfo() }

func (d *dlnaPayload) GetPositionInfo() ([]string, error) { return d.payload.GetPositionInfo() }

func (d *dlnaPayload) SetContext(ctx context.Context) { d.payload.SetContext(ctx) }

func (d *dlnaPayload) MediaURL() string { return d.payload.MediaURL }

func (d *dlnaPayload) SetMediaURL(mediaURL string) { d.payload.MediaURL = mediaURL }

var (
	_ adapters.Discovery   = DiscoveryAdapter{}
	_ adapters.CastFactory = CastFactory{}
	_ adapters.DLNAFactory = DLNAFactory{}
)
