// Package mcpserver speaks the Model Context Protocol over stdio so an
// assistant can list devices and drive playback through the coordinator.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Controller is the coordinator surface exposed as tools.
type Controller interface {
	ListDevices() []domain.DeviceStatus
	Status(target string) (domain.DeviceStatus, error)
	Assign(ctx context.Context, target, videoID string, loop bool) (domain.AssignResult, error)
	Stop(ctx context.Context, target string) (domain.DeviceStatus, error)
	Pause(ctx context.Context, target string) (domain.DeviceStatus, error)
	Seek(ctx context.Context, target string, position time.Duration) (domain.DeviceStatus, error)
	Recheck(ctx context.Context, target string) (domain.DeviceStatus, error)
	SetControlMode(target string, mode domain.ControlMode, ttl time.Duration) (domain.Device, error)
}

type VideoLister interface {
	List() []domain.Video
}

type Config struct {
	ServerName    string
	ServerVersion string
	Controller    Controller
	Videos        VideoLister
}

type Server struct {
	in         *bufio.Reader
	out        *bufio.Writer
	cfg        Config
	logger     zerolog.Logger
	jsonLine   bool
	modeLocked bool
	tools      []tool
	handlers   map[string]toolHandler
}

// errInvalidParams makes a tool call fail at the JSON-RPC level rather than
// as a tool error.
var errInvalidParams = errors.New("invalid params")

type toolOutput struct {
	text       string
	structured any
}

type toolHandler func(ctx context.Context, args json.RawMessage) (toolOutput, error)

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "castkeeper"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	s := &Server{
		in:     bufio.NewReader(in),
		out:    bufio.NewWriter(out),
		cfg:    cfg,
		logger: xlog.WithComponent("mcp"),
		tools:  staticTools(),
	}
	s.handlers = map[string]toolHandler{
		"list_devices":     s.listDevices,
		"get_device":       s.getDevice,
		"list_videos":      s.listVideos,
		"assign_video":     s.assignVideo,
		"stop_playback":    s.stopPlayback,
		"pause_playback":   s.pausePlayback,
		"seek_playback":    s.seekPlayback,
		"set_control_mode": s.setControlMode,
		"recheck_device":   s.recheckDevice,
	}
	return s
}

// Run serves requests until the input ends or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info().Str(xlog.FieldEvent, "mcp.context_done").Err(err).Msg("mcp server stopping")
			return err
		}

		payload, jsonLine, err := readMessage(s.in)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info().Str(xlog.FieldEvent, "mcp.eof").Msg("mcp input closed")
				return nil
			case errors.Is(err, errMessageTooLarge):
				s.logger.Warn().Str(xlog.FieldEvent, "mcp.oversized").Msg("dropping oversized message")
				tooLarge := &responseError{Code: codeInvalidRequest, Message: "message too large", Data: map[string]int{"max_bytes": maxMessageBytes}}
				if err := s.send(response{JSONRPC: "2.0", Error: tooLarge}); err != nil {
					return err
				}
				continue
			}
			s.logger.Error().Err(err).Str(xlog.FieldEvent, "mcp.read_failed").Msg("mcp read failed")
			return err
		}
		if !s.modeLocked {
			s.jsonLine = jsonLine
			s.modeLocked = true
		}

		if err := s.handle(ctx, payload); err != nil {
			s.logger.Error().Err(err).Str(xlog.FieldEvent, "mcp.write_failed").Msg("mcp write failed")
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.sendError(nil, codeParseError, "parse error")
	}
	// Notifications get no response.
	if len(req.ID) == 0 {
		return nil
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return s.sendError(req.ID, codeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return s.sendResult(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      map[string]string{"name": s.cfg.ServerName, "version": s.cfg.ServerVersion},
			Instructions:    "Call list_devices and list_videos first, then assign_video to start playback. Assignments are kept playing until stopped.",
		})
	case "tools/list":
		return s.sendResult(req.ID, toolsListResult{Tools: s.tools})
	case "tools/call":
		return s.callTool(ctx, req.ID, req.Params)
	case "ping":
		return s.sendResult(req.ID, map[string]any{})
	default:
		return s.sendError(req.ID, codeMethodNotFound, "method not found")
	}
}

func (s *Server) callTool(ctx context.Context, id, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		s.logCall("tools/call", startedAt, "invalid_params")
		return s.sendError(id, codeInvalidParams, "invalid params")
	}
	handler, ok := s.handlers[params.Name]
	if !ok {
		s.logCall(params.Name, startedAt, "TOOL_NOT_FOUND")
		return s.sendResult(id, toolErrorResult("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	if s.cfg.Controller == nil {
		s.logCall(params.Name, startedAt, "INTERNAL_ERROR")
		return s.sendResult(id, toolErrorResult("INTERNAL_ERROR", "controller is not configured"))
	}

	out, err := handler(ctx, params.Arguments)
	switch {
	case errors.Is(err, errInvalidParams):
		s.logCall(params.Name, startedAt, "invalid_params")
		return s.sendError(id, codeInvalidParams, "invalid params")
	case err != nil:
		s.logCall(params.Name, startedAt, domain.Code(err))
		return s.sendResult(id, toolErrorResultFromError(err))
	}
	s.logCall(params.Name, startedAt, "")
	return s.sendResult(id, toolCallResult{
		Content:           []toolContent{{Type: "text", Text: out.text}},
		StructuredContent: out.structured,
	})
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	var name string
	if err := json.Unmarshal(payload["name"], &name); err != nil {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		// Some clients put the arguments next to the name.
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key != "name" && key != "_meta" {
				flattened[key] = value
			}
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}
	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendResult(id json.RawMessage, result any) error {
	return s.send(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	return s.send(response{JSONRPC: "2.0", ID: id, Error: &responseError{Code: code, Message: message}})
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeMessage(s.out, encoded, s.jsonLine)
}

func (s *Server) logCall(tool string, startedAt time.Time, errorCode string) {
	event := s.logger.Info()
	if errorCode != "" {
		event = s.logger.Warn().Str("error_code", errorCode)
	}
	event.
		Str(xlog.FieldEvent, "mcp.call").
		Str("tool", tool).
		Int64(xlog.FieldDuration, time.Since(startedAt).Milliseconds()).
		Msg("tool call")
}

func toolErrorResult(code, message string) toolCallResult {
	return toolCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		StructuredContent: map[string]any{
			"error": map[string]string{"code": code, "message": message},
		},
		IsError: true,
	}
}

func toolErrorResultFromError(err error) toolCallResult {
	var tErr *domain.ToolError
	if !errors.As(err, &tErr) || tErr == nil {
		return toolErrorResult(domain.Code(err), err.Error())
	}
	result := toolErrorResult(tErr.Code, tErr.Message)
	result.StructuredContent = map[string]any{"error": tErr}
	return result
}
