package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// frameWriter encodes outbound messages with the LSP base-protocol framing:
// a Content-Length header announcing the exact byte length of the UTF-8 JSON
// body, a blank-line separator, then the body. Writes are serialized so that
// concurrent senders never interleave partial frames.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

// write marshals msg and emits one complete frame.
func (fw *frameWriter) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := io.WriteString(fw.w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// frameReader decodes a byte stream into discrete JSON messages. It buffers
// incomplete frames across chunk boundaries and splits multiple frames
// delivered in one chunk. One frameReader is created per connection.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next complete message body. A *ProtocolError return means
// the current frame was malformed but the stream may still recover: header
// garbage is skipped line by line until the next well-formed header, and a
// body that is not valid JSON is consumed in full before the error is
// reported. Any other error is fatal to the connection.
func (fr *frameReader) next() (json.RawMessage, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Stray blank line between frames, keep scanning.
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, &ProtocolError{Reason: fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value))}
			}
			contentLength = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength < 0 {
		return nil, &ProtocolError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if !json.Valid(body) {
		return nil, &ProtocolError{Reason: "frame body is not valid JSON"}
	}

	return body, nil
}
