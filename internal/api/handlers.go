package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"go2tv.app/castkeeper/internal/domain"
)

const maxBodyBytes = 1 << 16

type registerRequest struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Protocol    string `json:"protocol"`
	Type        string `json:"type,omitempty"`
	IsAudioOnly bool   `json:"is_audio_only,omitempty"`
}

type assignRequest struct {
	VideoID string `json:"video_id"`
	Loop    bool   `json:"loop"`
}

type seekRequest struct {
	PositionSeconds *float64 `json:"position_seconds"`
}

type controlModeRequest struct {
	Mode string `json:"mode"`
	// TTLSeconds of 0 uses the server default; negative never expires.
	TTLSeconds float64 `json:"ttl_seconds"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.ctrl.ListDevices()})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, err := s.ctrl.RegisterDevice(domain.Device{
		Name:        req.Name,
		Address:     req.Address,
		Protocol:    req.Protocol,
		Type:        req.Type,
		IsAudioOnly: req.IsAudioOnly,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(deviceParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteDevice(r.Context(), deviceParam(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ctrl.Assign(r.Context(), deviceParam(r), req.VideoID, req.Loop)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Stop(r.Context(), deviceParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Pause(r.Context(), deviceParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PositionSeconds == nil {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "position_seconds is required"))
		return
	}
	position, err := domain.Seconds("position_seconds", *req.PositionSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.ctrl.Seek(r.Context(), deviceParam(r), position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Recheck(r.Context(), deviceParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleControlMode(w http.ResponseWriter, r *http.Request) {
	var req controlModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ttl, err := domain.Seconds("ttl_seconds", req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	dev, err := s.ctrl.SetControlMode(deviceParam(r), domain.ControlMode(strings.ToLower(strings.TrimSpace(req.Mode))), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleListVideos(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"videos": s.library.List()})
}

func (s *Server) handleRefreshVideos(w http.ResponseWriter, r *http.Request) {
	n, err := s.library.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"videos": n})
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || id == "" {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "video id is required"))
		return
	}
	if err := s.ctrl.DeleteVideo(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.ctrl.Sessions()})
}

func deviceParam(r *http.Request) string {
	raw := chi.URLParam(r, "device")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// decodeBody writes a 400 and returns false when the body is not valid JSON.
// An empty body decodes as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "invalid request body: %v", err))
		return false
	}
	return true
}
