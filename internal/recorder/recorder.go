// Package recorder writes one JSONL trace per agent run: every poll result,
// every batch of new messages, every reply and every abandoned cycle.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"keke-agent/internal/chat"
)

const (
	// MaxTraces is how many trace files survive rotation, the current one included.
	MaxTraces = 3
	TraceDir  = "data/traces"
)

// Kind tags a trace event.
type Kind string

const (
	KindPoll     Kind = "poll"
	KindMessages Kind = "messages"
	KindReply    Kind = "reply"
	KindCycleErr Kind = "cycle_error"
	KindQuit     Kind = "quit"
)

// Event is one line of a trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Kind      Kind        `json:"kind"`
	RunID     string      `json:"run_id"`
	Chat      chat.Name   `json:"chat,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder is safe for concurrent use. A nil *Recorder drops everything.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	runID   string
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// NewRecorder makes sure dir exists.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		dir = TraceDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Start opens the trace of a new run after pruning old traces.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file, r.encoder = nil, nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%s.jsonl", r.now().UTC().Format("20060102T150405.000"), runID)
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	r.runID = runID
	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Record appends an event to the current trace. Before Start it is a no-op.
func (r *Recorder) Record(kind Kind, name chat.Name, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Kind:      kind,
		RunID:     r.runID,
		Chat:      name,
		Data:      data,
	})
}

// rotate keeps the newest MaxTraces-1 traces. Names sort chronologically.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	var traces []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "trace_") && filepath.Ext(e.Name()) == ".jsonl" {
			traces = append(traces, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(traces)))
	for i := MaxTraces - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i]))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.encoder = nil, nil
	return err
}
