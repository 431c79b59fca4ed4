package domain

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionIdleGrace SessionStatus = "idle-grace"
	SessionExpired   SessionStatus = "expired"
)

// SessionInfo is a snapshot of one serving session.
type SessionInfo struct {
	ID             string        `json:"id"`
	DeviceName     string        `json:"device"`
	VideoID        string        `json:"video_id"`
	URL            string        `json:"url"`
	ListenAddress  string        `json:"listen_address"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	BytesServed    int64         `json:"bytes_served"`
	Status         SessionStatus `json:"status"`
}

// DeviceStatus is the answer to a status query.
type DeviceStatus struct {
	Device    Device       `json:"device"`
	Session   *SessionInfo `json:"session,omitempty"`
	Monitored bool         `json:"monitored"`
}

type AssignResult struct {
	OK        bool   `json:"ok"`
	Device    string `json:"device"`
	VideoID   string `json:"video_id"`
	SessionID string `json:"session_id"`
	MediaURL  string `json:"media_url"`
	Refreshed bool   `json:"refreshed"`
}
