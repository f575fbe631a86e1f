package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// castHeader is the first line of an asciinema v2 recording.
type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// CastEvent is a single [offset, type, data] line of a recording.
type CastEvent struct {
	Offset float64
	Kind   string // "o" output, "i" input, "r" resize
	Data   string
}

// MarshalJSON encodes the event as a three-element array.
func (e CastEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Offset, e.Kind, e.Data})
}

// UnmarshalJSON decodes a three-element array.
func (e *CastEvent) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	kind, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	payload, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.Offset, e.Kind, e.Data = offset, kind, payload
	return nil
}

// Recorder writes one shared terminal session to a .cast file. Output from
// the stream and input from any viewer land in the same file, so a replay
// shows the co-piloted session as everyone saw it.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates dir/<target>-<unix>.cast and writes its header.
func NewRecorder(dir, target string, cols, rows int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s-%d.cast", sanitizeFileName(target), now.Unix())
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &Recorder{writer: file, file: file, startTime: now}
	if err := r.writeHeader(target, cols, rows); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorderWithWriter records to w. This is useful for testing.
func NewRecorderWithWriter(w io.Writer, target string, cols, rows int) (*Recorder, error) {
	r := &Recorder{writer: w, startTime: time.Now()}
	if err := r.writeHeader(target, cols, rows); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(title string, cols, rows int) error {
	header := castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.startTime.Unix(),
		Title:     title,
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Output records stream output.
func (r *Recorder) Output(data []byte) error {
	return r.write("o", string(data))
}

// Input records viewer input.
func (r *Recorder) Input(data []byte) error {
	return r.write("i", string(data))
}

// Resize records a terminal resize as "COLSxROWS".
func (r *Recorder) Resize(cols, rows uint16) error {
	return r.write("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(kind, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(CastEvent{
		Offset: time.Since(r.startTime).Seconds(),
		Kind:   kind,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func sanitizeFileName(s string) string {
	out := []rune(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "terminal"
	}
	return string(out)
}
