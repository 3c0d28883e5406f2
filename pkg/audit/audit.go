// Package audit implements the append-only run log: one hash-chained JSONL
// line per orchestration phase transition. A run's full history is the
// ordered sequence of events sharing its run id, and that sequence is the
// unit of replay.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/pkg/canonical"
)

// Phase names one orchestration state transition.
type Phase string

const (
	PhasePerimeter   Phase = "perimeter"
	PhasePolicy      Phase = "policy"
	PhaseIdempotency Phase = "idempotency"
	PhaseBreaker     Phase = "breaker"
	PhaseRoute       Phase = "route"
	PhaseDispatch    Phase = "dispatch"
	PhaseResult      Phase = "result"
)

// Plane identifies the origin of a request.
type Plane string

const (
	PlaneControl   Plane = "control"
	PlaneExecution Plane = "execution"
)

// TimestampFormat is the layout used in event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// GenesisHash is the prev_hash of the first line in a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Event is one line in the run log. All fields are concrete types so that
// json.Marshal yields a stable field order for reproducible hashing.
type Event struct {
	RunID     string          `json:"run_id"`
	Plane     Plane           `json:"plane"`
	Timestamp string          `json:"ts"`
	Phase     Phase           `json:"phase"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PrevHash  string          `json:"prev_hash"`
}

// Log is an append-only JSONL file with SHA-256 hash chaining. Appends are
// best-effort durable: a write failure is reported on the secondary channel
// (slog) and never rolls back the operation it describes.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	logger   *slog.Logger
}

// Open opens (or creates) the run log, recovering the chain tail from the
// last existing line.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, fmt.Errorf("audit: recover chain tail: %w", err)
		}
		if len(last) > 0 {
			prevHash = canonical.HashBytes(last)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{path: path, file: file, prevHash: prevHash, logger: logger}, nil
}

// Append writes one event. It stamps the timestamp if empty, links the hash
// chain, and retries the write once. Failures are logged, not returned: an
// audit write failure must not fail the operation it records.
func (l *Log) Append(e Event) {
	if err := l.append(e); err != nil {
		l.logger.Error("audit append failed", "run_id", e.RunID, "phase", string(e.Phase), "error", err)
	}
}

func (l *Log) append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	e.PrevHash = l.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := l.writeLine(line); err != nil {
		// One retry; the file may have been rotated away underneath us.
		if reopenErr := l.reopen(); reopenErr != nil {
			return fmt.Errorf("write event: %w (reopen: %v)", err, reopenErr)
		}
		if err := l.writeLine(line); err != nil {
			return fmt.Errorf("write event after reopen: %w", err)
		}
	}

	l.prevHash = canonical.HashBytes(line)
	return nil
}

func (l *Log) writeLine(line []byte) error {
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *Log) reopen() error {
	_ = l.file.Close()
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}

// MarshalPayload encodes v as the payload of an event, degrading to an
// error marker rather than dropping the event.
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return b
}
