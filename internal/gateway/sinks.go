package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

// ErrSlowConsumer means a participant's outbound buffer is full; the router
// treats it like any other sink failure and disconnects the participant.
var ErrSlowConsumer = errors.New("outbound buffer full")

var errSinkClosed = errors.New("sink closed")

// logSink is the virtual connection for log-backed participants: every
// delivered envelope becomes one JSON line in the participant's output log.
type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func newLogSink(path string) (*logSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output log %s: %w", path, err)
	}
	return &logSink{f: f}, nil
}

func (l *logSink) Send(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errSinkClosed
	}
	_, err = l.f.Write(append(data, '\n'))
	return err
}

func (l *logSink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
