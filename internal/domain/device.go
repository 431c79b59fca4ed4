package domain

import "time"

type Reachability string

const (
	ReachabilityUnknown     Reachability = "unknown"
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
)

type PlaybackState string

const (
	StateStopped   PlaybackState = "stopped"
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateBuffering PlaybackState = "buffering"
	StateError     PlaybackState = "error"
)

// Active reports whether the device is rendering (or about to render) media.
func (s PlaybackState) Active() bool {
	return s == StatePlaying || s == StatePaused || s == StateBuffering
}

type ControlMode string

const (
	ControlAuto   ControlMode = "auto"
	ControlManual ControlMode = "manual"
)

const (
	ProtocolDLNA       = "dlna"
	ProtocolChromecast = "chromecast"
)

// Device is one network-addressable playback target. Values handed out by the
// registry are copies; mutating them has no effect on the registry.
type Device struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	Type     string `json:"type,omitempty"`

	IsAudioOnly bool `json:"is_audio_only"`

	Reachability Reachability `json:"reachability"`
	LastSeen     time.Time    `json:"last_seen,omitempty"`

	Desired  *Assignment `json:"desired,omitempty"`
	Observed Observation `json:"observed"`

	ControlMode ControlMode `json:"control_mode"`
	ManualUntil time.Time   `json:"manual_until,omitempty"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	if d.Desired != nil {
		desired := *d.Desired
		d.Desired = &desired
	}
	return d
}

// Assignment is the video a device is supposed to be playing.
type Assignment struct {
	VideoID     string    `json:"video_id"`
	Loop        bool      `json:"loop"`
	RequestedAt time.Time `json:"requested_at"`
}

// Observation is what the device last reported about itself.
type Observation struct {
	State      PlaybackState `json:"state"`
	Position   time.Duration `json:"position"`
	Duration   time.Duration `json:"duration"`
	ObservedAt time.Time     `json:"observed_at,omitempty"`
}

// TransportState is a single answer from a device backend.
type TransportState struct {
	State    PlaybackState
	Position time.Duration
	Duration time.Duration
}
