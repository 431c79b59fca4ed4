package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go2tv.app/castkeeper/internal/domain"
)

type targetArgs struct {
	TargetDevice string `json:"target_device"`
}

func decodeTarget(raw json.RawMessage) (string, error) {
	var args targetArgs
	if err := decodeStrict(raw, &args); err != nil {
		return "", errInvalidParams
	}
	target := strings.TrimSpace(args.TargetDevice)
	if target == "" {
		return "", errInvalidParams
	}
	return target, nil
}

func (s *Server) listDevices(_ context.Context, raw json.RawMessage) (toolOutput, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutput{}, errInvalidParams
	}
	devices := s.cfg.Controller.ListDevices()
	var text strings.Builder
	fmt.Fprintf(&text, "%d device(s).", len(devices))
	for i, st := range devices {
		dev := st.Device
		fmt.Fprintf(&text, "\n%d. name=%s protocol=%s reachability=%s state=%s mode=%s", i+1, dev.Name, dev.Protocol, dev.Reachability, dev.Observed.State, dev.ControlMode)
		if dev.Desired != nil {
			fmt.Fprintf(&text, " assigned=%s loop=%t", dev.Desired.VideoID, dev.Desired.Loop)
		}
	}
	return toolOutput{
		text:       text.String(),
		structured: map[string]any{"count": len(devices), "devices": devices},
	}, nil
}

func (s *Server) getDevice(_ context.Context, raw json.RawMessage) (toolOutput, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return toolOutput{}, err
	}
	status, err := s.cfg.Controller.Status(target)
	if err != nil {
		return toolOutput{}, err
	}
	return statusOutput(status), nil
}

func (s *Server) listVideos(_ context.Context, raw json.RawMessage) (toolOutput, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutput{}, errInvalidParams
	}
	if s.cfg.Videos == nil {
		return toolOutput{}, domain.NewError(nil, "INTERNAL_ERROR", "video catalog is not configured")
	}
	videos := s.cfg.Videos.List()
	var text strings.Builder
	fmt.Fprintf(&text, "%d video(s).", len(videos))
	for _, v := range videos {
		fmt.Fprintf(&text, "\n- %s (%s, %s)", v.ID, v.Duration.Round(time.Second), v.Format)
	}
	return toolOutput{
		text:       text.String(),
		structured: map[string]any{"count": len(videos), "videos": videos},
	}, nil
}

func (s *Server) assignVideo(ctx context.Context, raw json.RawMessage) (toolOutput, error) {
	var args struct {
		TargetDevice string `json:"target_device"`
		VideoID      string `json:"video_id"`
		Loop         bool   `json:"loop"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}
	args.TargetDevice = strings.TrimSpace(args.TargetDevice)
	args.VideoID = strings.TrimSpace(args.VideoID)
	if args.TargetDevice == "" || args.VideoID == "" {
		return toolOutput{}, errInvalidParams
	}

	res, err := s.cfg.Controller.Assign(ctx, args.TargetDevice, args.VideoID, args.Loop)
	if err != nil {
		return toolOutput{}, err
	}
	text := fmt.Sprintf("Playing %s on %s (session %s).", res.VideoID, res.Device, res.SessionID)
	if res.Refreshed {
		text = fmt.Sprintf("%s is already playing %s.", res.Device, res.VideoID)
	}
	return toolOutput{text: text, structured: res}, nil
}

func (s *Server) stopPlayback(ctx context.Context, raw json.RawMessage) (toolOutput, error) {
	return s.targetCall(ctx, raw, s.cfg.Controller.Stop)
}

func (s *Server) pausePlayback(ctx context.Context, raw json.RawMessage) (toolOutput, error) {
	return s.targetCall(ctx, raw, s.cfg.Controller.Pause)
}

func (s *Server) recheckDevice(ctx context.Context, raw json.RawMessage) (toolOutput, error) {
	return s.targetCall(ctx, raw, s.cfg.Controller.Recheck)
}

func (s *Server) targetCall(ctx context.Context, raw json.RawMessage, fn func(context.Context, string) (domain.DeviceStatus, error)) (toolOutput, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return toolOutput{}, err
	}
	status, err := fn(ctx, target)
	if err != nil {
		return toolOutput{}, err
	}
	return statusOutput(status), nil
}

func (s *Server) seekPlayback(ctx context.Context, raw json.RawMessage) (toolOutput, error) {
	var args struct {
		TargetDevice    string   `json:"target_device"`
		PositionSeconds *float64 `json:"position_seconds"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}
	args.TargetDevice = strings.TrimSpace(args.TargetDevice)
	if args.TargetDevice == "" || args.PositionSeconds == nil {
		return toolOutput{}, errInvalidParams
	}
	position, err := domain.Seconds("position_seconds", *args.PositionSeconds)
	if err != nil {
		return toolOutput{}, errInvalidParams
	}
	status, err := s.cfg.Controller.Seek(ctx, args.TargetDevice, position)
	if err != nil {
		return toolOutput{}, err
	}
	return statusOutput(status), nil
}

func (s *Server) setControlMode(_ context.Context, raw json.RawMessage) (toolOutput, error) {
	var args struct {
		TargetDevice string   `json:"target_device"`
		Mode         string   `json:"mode"`
		TTLSeconds   *float64 `json:"ttl_seconds,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}
	args.TargetDevice = strings.TrimSpace(args.TargetDevice)
	mode := domain.ControlMode(strings.ToLower(strings.TrimSpace(args.Mode)))
	if args.TargetDevice == "" || (mode != domain.ControlAuto && mode != domain.ControlManual) {
		return toolOutput{}, errInvalidParams
	}
	var ttl time.Duration
	if args.TTLSeconds != nil {
		var err error
		if ttl, err = domain.Seconds("ttl_seconds", *args.TTLSeconds); err != nil {
			return toolOutput{}, errInvalidParams
		}
	}

	dev, err := s.cfg.Controller.SetControlMode(args.TargetDevice, mode, ttl)
	if err != nil {
		return toolOutput{}, err
	}
	text := fmt.Sprintf("%s is now in %s mode.", dev.Name, dev.ControlMode)
	if dev.ControlMode == domain.ControlManual && !dev.ManualUntil.IsZero() {
		text = fmt.Sprintf("%s is in manual mode until %s.", dev.Name, dev.ManualUntil.Format(time.RFC3339))
	}
	return toolOutput{text: text, structured: dev}, nil
}

func statusOutput(status domain.DeviceStatus) toolOutput {
	dev := status.Device
	text := fmt.Sprintf("%s: %s, %s", dev.Name, dev.Observed.State, dev.Reachability)
	if dev.Desired != nil {
		text += fmt.Sprintf(", assigned %s", dev.Desired.VideoID)
		if dev.Desired.Loop {
			text += " (loop)"
		}
	}
	if dev.Observed.Duration > 0 {
		text += fmt.Sprintf(", at %s of %s", dev.Observed.Position.Round(time.Second), dev.Observed.Duration.Round(time.Second))
	}
	return toolOutput{text: text + ".", structured: status}
}

func targetSchema(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_device": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required":             []string{"target_device"},
		"additionalProperties": false,
	}
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

const targetDescription = "Device name or id from list_devices. A case-insensitive name without the trailing (qualifier) also matches."

func staticTools() []tool {
	return []tool{
		{
			Name:        "list_devices",
			Description: "List known playback devices with their reachability, observed playback state, control mode and current assignment.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "get_device",
			Description: "Show one device's status and its serving session.",
			InputSchema: targetSchema(targetDescription),
		},
		{
			Name:        "list_videos",
			Description: "List the videos in the local library that can be assigned to devices.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "assign_video",
			Description: "Assign a library video to a device and start playing it. The device is then kept on that video until stopped; with loop it restarts at the end.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device": map[string]any{"type": "string", "description": targetDescription},
					"video_id":      map[string]any{"type": "string", "description": "Video id from list_videos."},
					"loop":          map[string]any{"type": "boolean", "default": false, "description": "Restart from the beginning when the video ends."},
				},
				"required":             []string{"target_device", "video_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "stop_playback",
			Description: "Stop playback on a device and clear its assignment.",
			InputSchema: targetSchema(targetDescription),
		},
		{
			Name:        "pause_playback",
			Description: "Pause the assigned video on a device.",
			InputSchema: targetSchema(targetDescription),
		},
		{
			Name:        "seek_playback",
			Description: "Seek the assigned video to a position.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device":    map[string]any{"type": "string", "description": targetDescription},
					"position_seconds": map[string]any{"type": "number", "minimum": 0, "description": "Position from the start of the video."},
				},
				"required":             []string{"target_device", "position_seconds"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "set_control_mode",
			Description: "Switch a device between auto (playback is corrected when it drifts) and manual (changes made on the device are left alone).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device": map[string]any{"type": "string", "description": targetDescription},
					"mode":          map[string]any{"type": "string", "enum": []string{"auto", "manual"}},
					"ttl_seconds":   map[string]any{"type": "number", "description": "How long manual mode lasts. Omit for the server default; negative means until changed."},
				},
				"required":             []string{"target_device", "mode"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "recheck_device",
			Description: "Probe a device now. A device that answers again resumes its assignment.",
			InputSchema: targetSchema(targetDescription),
		},
	}
}
