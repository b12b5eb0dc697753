// Package spacelog appends the gateway's durable JSONL logs: per space, an
// envelope history and a capability decision trail under <dir>/<space>/.
package spacelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

const (
	historyFile   = "envelope-history.jsonl"
	decisionsFile = "capability-decisions.jsonl"
)

// Writer implements space.Recorder over append-only files. Files open
// lazily on first write and stay open for the process lifetime.
type Writer struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // "<space>/<file>" → handle
}

// New creates a writer rooted at dir (".mew/logs" by convention).
func New(dir string, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{dir: dir, log: log, files: make(map[string]*os.File)}
}

// RecordEnvelope appends one delivered envelope to the space's history log.
func (w *Writer) RecordEnvelope(spaceName string, env *envelope.Envelope) {
	w.appendLine(spaceName, historyFile, env)
}

// RecordDecision appends one capability-check outcome.
func (w *Writer) RecordDecision(spaceName string, ev space.DecisionEvent) {
	w.appendLine(spaceName, decisionsFile, ev)
}

func (w *Writer) appendLine(spaceName, file string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.log.Error("spacelog marshal failed", "space", spaceName, "file", file, "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open(spaceName, file)
	if err != nil {
		w.log.Error("spacelog open failed", "space", spaceName, "file", file, "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		w.log.Error("spacelog write failed", "space", spaceName, "file", file, "error", err)
	}
}

func (w *Writer) open(spaceName, file string) (*os.File, error) {
	key := spaceName + "/" + file
	if f, ok := w.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(w.dir, spaceName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[key] = f
	return f, nil
}

// Close flushes and closes every open log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for key, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, key)
	}
	return first
}
