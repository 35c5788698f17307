package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Writer delivers frames to one consumer, in call order.
type Writer interface {
	WriteFrame(f *Frame) error
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// NDJSONWriter writes one JSON object per line.
type NDJSONWriter struct {
	w   io.Writer
	enc *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "application/x-ndjson")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("X-Accel-Buffering", "no")
	}
	return &NDJSONWriter{w: w, enc: json.NewEncoder(w)}
}

func (n *NDJSONWriter) WriteFrame(f *Frame) error {
	if err := n.enc.Encode(f); err != nil {
		return errors.Wrap(err, "write ndjson frame")
	}
	flush(n.w)
	return nil
}

// SSEWriter writes server-sent events named after the frame kind.
type SSEWriter struct {
	w io.Writer
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
		rw.Header().Set("X-Accel-Buffering", "no")
	}
	return &SSEWriter{w: w}
}

func (s *SSEWriter) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Kind, data); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	flush(s.w)
	return nil
}

// WebSocketWriter writes each frame as one text message.
type WebSocketWriter struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWebSocketWriter(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketWriter {
	return &WebSocketWriter{conn: conn, writeTimeout: writeTimeout}
}

func (ws *WebSocketWriter) WriteFrame(f *Frame) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.writeTimeout > 0 {
		if err := ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	return errors.Wrap(ws.conn.WriteJSON(f), "write websocket frame")
}

// Collector keeps frames in memory.
type Collector struct {
	mu     sync.Mutex
	Frames []*Frame
}

func (c *Collector) WriteFrame(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = append(c.Frames, f)
	return nil
}

// Last returns the most recent frame, or nil.
func (c *Collector) Last() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Frames) == 0 {
		return nil
	}
	return c.Frames[len(c.Frames)-1]
}
