package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	DefaultKeep = 3
	TraceDir    = "data/traces"
)

// Event is one line of a navigation trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

type trace struct {
	file    *os.File
	encoder *json.Encoder
}

// Recorder writes one JSONL trace per session and keeps only the newest
// traces on disk. Traces still being written are never rotated away.
type Recorder struct {
	mu       sync.Mutex
	basePath string
	keep     int
	open     map[string]*trace
}

// NewRecorder creates a recorder under basePath, creating the directory.
func NewRecorder(basePath string, keep int) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
		keep:     keep,
		open:     make(map[string]*trace),
	}, nil
}

// Dir returns the trace directory.
func (r *Recorder) Dir() string {
	return r.basePath
}

// Start opens a new trace for sessionID, ending any previous trace of the
// same session, and rotates old files.
func (r *Recorder) Start(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endLocked(sessionID)

	if err := r.rotate(); err != nil {
		return "", fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	r.open[sessionID] = &trace{file: f, encoder: json.NewEncoder(f)}
	return path, nil
}

// Log appends an event to the session's trace. Sessions without an open
// trace are ignored.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.open[sessionID]
	if !ok {
		return nil
	}
	return t.encoder.Encode(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
}

// End closes the session's trace.
func (r *Recorder) End(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endLocked(sessionID)
}

func (r *Recorder) endLocked(sessionID string) error {
	t, ok := r.open[sessionID]
	if !ok {
		return nil
	}
	delete(r.open, sessionID)
	return t.file.Close()
}

// rotate deletes closed traces beyond the newest keep-1, leaving room for
// the trace about to be created.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(r.open))
	for _, t := range r.open {
		active[filepath.Base(t.file.Name())] = true
	}

	type traceFile struct {
		name string
		mod  time.Time
	}
	var traces []traceFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || active[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, traceFile{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	keep := r.keep - 1 - len(active)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close ends every open trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for id := range r.open {
		if err := r.endLocked(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
