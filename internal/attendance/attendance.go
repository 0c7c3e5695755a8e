// Package attendance keeps the append-only attendance log.
package attendance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrPersistence is matched by PersistenceError.
var ErrPersistence = errors.New("attendance log not writable")

// PersistenceError wraps a failed write to the attendance log.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("attendance log %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// FormatLine renders one record: "Employee: <identity>, Time: <epoch-millis>\n".
func FormatLine(identity string, at time.Time) string {
	return fmt.Sprintf("Employee: %s, Time: %d\n", identity, at.UnixMilli())
}

var lineRE = regexp.MustCompile(`^Employee: (.+), Time: (-?\d+)$`)

// ParseLine is the inverse of FormatLine. The trailing newline is optional.
func ParseLine(line string) (types.AttendanceRecord, error) {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		return types.AttendanceRecord{}, fmt.Errorf("malformed attendance line %q", line)
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return types.AttendanceRecord{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	return types.AttendanceRecord{Identity: m[1], At: time.UnixMilli(ms)}, nil
}

// Recorder appends attendance lines to a file. Appends are serialized and each
// line goes out in a single write, so concurrent callers never interleave.
type Recorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (or creates) the log at path for appending.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	return &Recorder{path: path, f: f}, nil
}

// Path returns the log location.
func (r *Recorder) Path() string {
	return r.path
}

// Record appends one line for identity at the given time. There is no dedup:
// every call produces a line.
func (r *Recorder) Record(_ context.Context, identity string, at time.Time) error {
	if err := types.ValidateLabel(identity); err != nil {
		return err
	}
	line := FormatLine(identity, at)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return &PersistenceError{Path: r.path, Err: os.ErrClosed}
	}
	if _, err := r.f.WriteString(line); err != nil {
		return &PersistenceError{Path: r.path, Err: err}
	}
	if err := r.f.Sync(); err != nil {
		return &PersistenceError{Path: r.path, Err: err}
	}
	return nil
}

// Close closes the underlying file. Further Record calls fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// ReadLog parses the whole log. A missing file is an empty log.
func ReadLog(path string) ([]types.AttendanceRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []types.AttendanceRecord
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if scanner.Text() == "" {
			continue
		}
		rec, err := ParseLine(scanner.Text())
		if err != nil {
			return out, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Sink is anything that can store an attendance record.
type Sink interface {
	Record(ctx context.Context, identity string, at time.Time) error
}

// PartialRecordError is returned by a Tee when some sinks stored the record and others failed.
type PartialRecordError struct {
	Stored int
	Failed int
	Err    error
}

func (e *PartialRecordError) Error() string {
	return fmt.Sprintf("record stored by %d of %d sinks: %v", e.Stored, e.Stored+e.Failed, e.Err)
}

func (e *PartialRecordError) Unwrap() error { return e.Err }

type tee []Sink

// Tee fans a record out to every sink. All sinks are attempted; their errors are joined.
// If at least one sink succeeded the error is a *PartialRecordError.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) Record(ctx context.Context, identity string, at time.Time) error {
	var errs []error
	for _, s := range t {
		if err := s.Record(ctx, identity, at); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if stored := len(t) - len(errs); stored > 0 {
		return &PartialRecordError{Stored: stored, Failed: len(errs), Err: errors.Join(errs...)}
	}
	return errors.Join(errs...)
}
