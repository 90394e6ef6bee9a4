// Package objlist maintains the object manifest handed to the linker as an
// @file: one object path per line, in module list order.
package objlist

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
)

const DefaultFilename = "objects.list"

// RecordError is a failure to update the object manifest.
type RecordError struct {
	Path   string
	Object string
	Err    error
}

func (e *RecordError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("stage record: %s: append %s: %v", e.Path, e.Object, e.Err)
	}
	return fmt.Sprintf("stage record: %s: %v", e.Path, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Normalize converts an object path to the manifest's `/` convention.
func Normalize(obj string) string {
	return path.Clean(strings.ReplaceAll(obj, `\`, "/"))
}

// Writer appends to the object manifest. It is the manifest's only writer and
// is safe for concurrent use, though callers that care about order should go
// through a Sequencer.
type Writer struct {
	path    string
	mu      sync.Mutex
	entries []string
	seen    map[string]bool
}

func NewWriter(path string) *Writer {
	return &Writer{path: path, seen: make(map[string]bool)}
}

func (w *Writer) Path() string { return w.path }

// Reset deletes any previous manifest and returns what it contained.
func (w *Writer) Reset() (previous string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", &RecordError{Path: w.path, Err: fmt.Errorf("read stale manifest: %w", err)}
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", &RecordError{Path: w.path, Err: fmt.Errorf("remove stale manifest: %w", err)}
	}

	// the linker always gets a manifest, even an empty one
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &RecordError{Path: w.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &RecordError{Path: w.path, Err: err}
	}

	w.entries = nil
	clear(w.seen)
	return string(data), nil
}

// Append writes one object path as a line and syncs it to disk.
func (w *Writer) Append(obj string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	obj = Normalize(obj)
	if w.seen[obj] {
		return &RecordError{Path: w.path, Object: obj, Err: errors.New("object already recorded")}
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &RecordError{Path: w.path, Object: obj, Err: err}
	}
	if _, err := f.WriteString(obj + "\n"); err != nil {
		f.Close()
		return &RecordError{Path: w.path, Object: obj, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &RecordError{Path: w.path, Object: obj, Err: err}
	}
	if err := f.Close(); err != nil {
		return &RecordError{Path: w.path, Object: obj, Err: err}
	}

	w.entries = append(w.entries, obj)
	w.seen[obj] = true
	return nil
}

// Entries returns the objects recorded since the last Reset.
func (w *Writer) Entries() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.entries...)
}

// Content returns the manifest text as written, for comparison with a stale one.
func (w *Writer) Content() string {
	entries := w.Entries()
	if len(entries) == 0 {
		return ""
	}
	return strings.Join(entries, "\n") + "\n"
}
