package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageBytes caps a single inbound message.
const maxMessageBytes = 4 << 20

var errMessageTooLarge = errors.New("message exceeds size limit")

// readMessage reads one JSON-RPC message. Clients either send
// Content-Length framed messages or one JSON value per line; jsonLine reports
// which one arrived. An oversized message is skipped and reported as
// errMessageTooLarge with the reader left at the next message.
func readMessage(r *bufio.Reader) (payload []byte, jsonLine bool, err error) {
	first, err := nextNonBlankLine(r)
	if err != nil {
		return nil, false, err
	}

	trimmed := strings.TrimSpace(first)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		payload, err := readJSONLine(r, first)
		return payload, true, err
	}

	length, err := readHeaders(r, first)
	if err != nil {
		return nil, false, err
	}
	if length > maxMessageBytes {
		if _, err := r.Discard(length); err != nil {
			return nil, false, err
		}
		return nil, false, errMessageTooLarge
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

func nextNonBlankLine(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// readJSONLine keeps reading lines until the buffer holds a complete JSON
// value, which tolerates pretty-printed input.
func readJSONLine(r *bufio.Reader, first string) ([]byte, error) {
	buf := []byte(first)
	for {
		if v := bytes.TrimSpace(buf); json.Valid(v) {
			return v, nil
		}
		if len(buf) > maxMessageBytes {
			return nil, errMessageTooLarge
		}
		line, err := r.ReadString('\n')
		buf = append(buf, line...)
		if err != nil {
			if v := bytes.TrimSpace(buf); json.Valid(v) {
				return v, nil
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func readHeaders(r *bufio.Reader, first string) (int, error) {
	length := -1
	line := first
	for {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if key, value, ok := strings.Cut(trimmed, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}

		var err error
		if line, err = r.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
	if length < 0 {
		return 0, errors.New("missing Content-Length header")
	}
	return length, nil
}

func writeMessage(w *bufio.Writer, payload []byte, jsonLine bool) error {
	if jsonLine {
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		return w.Flush()
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
