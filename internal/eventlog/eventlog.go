// Package eventlog encodes request metrics as JSON objects via protobuf
// Struct values and appends them to a JSON-lines file.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/model"
	"chat-loadtest/internal/scenario"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a metric into a protobuf Struct tagged with runID.
func ToStruct(runID string, m model.RequestMetric) (*structpb.Struct, error) {
	fields := map[string]any{
		"run_id":          runID,
		"request_type":    m.RequestType,
		"name":            m.Name,
		"response_time":   m.ResponseTime,
		"response_length": m.ResponseLength,
		"user_id":         m.UserID,
		"started_at":      m.StartedAt.UTC().Format(time.RFC3339Nano),
		"exception":       nil,
	}
	if m.Exception != nil {
		fields["exception"] = m.Exception.Error()
		kind := "Other"
		if k, ok := scenario.KindOf(m.Exception); ok {
			kind = k.String()
		}
		fields["kind"] = kind
	}
	return structpb.NewStruct(fields)
}

// Encode returns the single-line JSON form of a metric.
func Encode(runID string, m model.RequestMetric) ([]byte, error) {
	s, err := ToStruct(runID, m)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Decode parses one encoded event.
func Decode(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &s, nil
}

// Writer appends one event per line. It is safe for concurrent use.
type Writer struct {
	runID  string
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	err    error // first write error; later events are dropped
}

// NewWriter wraps w; Close flushes and closes w when it is an io.Closer.
func NewWriter(runID string, w io.Writer) *Writer {
	ew := &Writer{runID: runID, w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		ew.closer = c
	}
	return ew
}

// Create opens (truncating) path for writing.
func Create(runID, path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create event log %s: %w", path, err)
	}
	return NewWriter(runID, f), nil
}

// Record implements scenario.Reporter.
func (ew *Writer) Record(m model.RequestMetric) {
	data, err := Encode(ew.runID, m)
	if err != nil {
		logger.Warn(logger.TagSink, "event log: %v", err)
		return
	}
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.err != nil {
		return
	}
	if _, err := ew.w.Write(append(data, '\n')); err != nil {
		ew.err = fmt.Errorf("write event log: %w", err)
		logger.Error(logger.TagSink, "%v; dropping further events", ew.err)
	}
}

// Close flushes buffered events and closes the underlying writer. It
// returns the first error seen by Record, Flush or Close.
func (ew *Writer) Close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if err := ew.w.Flush(); err != nil && ew.err == nil {
		ew.err = fmt.Errorf("flush event log: %w", err)
	}
	if ew.closer != nil {
		if err := ew.closer.Close(); err != nil && ew.err == nil {
			ew.err = err
		}
	}
	return ew.err
}
