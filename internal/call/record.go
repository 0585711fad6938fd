package call

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recordSchemaVersion is bumped when the record shape changes incompatibly.
const recordSchemaVersion = 1

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCallerHangup  Outcome = "caller_hangup"
	OutcomeAgentHangup   Outcome = "agent_hangup"
	OutcomeTransferred   Outcome = "transferred"
	OutcomeRejectedBusy  Outcome = "rejected_busy"
	OutcomeProviderError Outcome = "provider_error"
	OutcomeTransportLost Outcome = "transport_lost"
	OutcomeWatchdog      Outcome = "watchdog"
)

// ToolInvocationRecord is one tool call as it happened.
type ToolInvocationRecord struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// TranscriptEntry is one utterance, kept only when the caller requested a
// transcript.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Record is the per-call summary persisted at session close.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	CallID        string `json:"call_id"`
	CallerNumber  string `json:"caller_number,omitempty"`
	CalleeNumber  string `json:"callee_number,omitempty"`
	Context       string `json:"context,omitempty"`
	Pipeline      string `json:"pipeline,omitempty"`
	Profile       string `json:"profile,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`

	Outcome    Outcome `json:"outcome"`
	Turns      int     `json:"turns"`
	Interrupts int     `json:"interrupts"`
	Error      string  `json:"error,omitempty"`

	Tools      []ToolInvocationRecord `json:"tools,omitempty"`
	Transcript []TranscriptEntry      `json:"transcript,omitempty"`
}

// RecordWriter persists call records as newline-delimited JSON, one file per
// call, written whole via temp file and rename so a crash never leaves a
// partial record.
type RecordWriter struct {
	dir string
	mu  sync.Mutex
}

// NewRecordWriter creates the directory if needed. An empty dir disables
// writing; Write becomes a no-op.
func NewRecordWriter(dir string) (*RecordWriter, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("call: record dir: %w", err)
		}
	}
	return &RecordWriter{dir: dir}, nil
}

// Write persists one record.
func (w *RecordWriter) Write(rec Record) error {
	if w.dir == "" {
		return nil
	}
	rec.SchemaVersion = recordSchemaVersion

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("call: marshal record: %w", err)
	}
	line = append(line, '\n')

	name := fmt.Sprintf("%d-%s.ndjson", rec.StartedAt.Unix(), rec.CallID)
	final := filepath.Join(w.dir, name)

	w.mu.Lock()
	defer w.mu.Unlock()

	tmp, err := os.CreateTemp(w.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("call: record temp file: %w", err)
	}
	if _, err := tmp.Write(line); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("call: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("call: close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("call: publish record: %w", err)
	}
	return nil
}
