package domain

import "time"

// Video is a reference to playable content on local disk.
type Video struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Format   string        `json:"format"`
	Size     int64         `json:"size"`
	ModTime  time.Time     `json:"mod_time,omitempty"`
}
