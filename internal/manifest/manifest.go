// Package manifest reads the module list: one source path per line, each
// ending in a fixed marker that is stripped to obtain the module key.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

const (
	DefaultFilename = "c_files.txt"
	DefaultMarker   = ".c"
)

// ManifestError reports a module list that could not be opened, read or
// understood. Line is zero when the failure is not tied to a line.
type ManifestError struct {
	Path string
	Line int
	Err  error
}

func (e *ManifestError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("stage manifest: %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("stage manifest: %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

var (
	errMissingMarker = errors.New("line does not end with the module marker")
	errEmptyKey      = errors.New("empty module key")
)

// SourceModule is one entry of the module list.
type SourceModule struct {
	// Key is the canonical module key, always using `/` as separator.
	Key string
	// Raw is the key as written in the list, before separator normalization.
	Raw string
	// Index is the zero-based position among the modules of the list.
	Index int
	// Line is the one-based line number in the list.
	Line int
}

// Source returns the path of the module's source file relative to the
// working directory, using `/` as separator.
func (m SourceModule) Source(ext string) string { return m.Key + ext }

// Output returns a module-relative output path, e.g. Output(".o").
func (m SourceModule) Output(ext string) string { return m.Key + ext }

// NormalizeKey turns any `\` separator into `/`.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(key, `\`, "/")
}

// Reader yields module keys lazily. It cannot be restarted.
type Reader struct {
	path   string
	marker string
	sc     *bufio.Scanner
	closer io.Closer
	line   int
	index  int
	seen   map[string]int
	err    error
}

// Open opens the module list at path.
func Open(path, marker string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	r := NewReader(f, path, marker)
	r.closer = f
	return r, nil
}

// NewReader reads a module list from rdr. name is used in errors.
func NewReader(rdr io.Reader, name, marker string) *Reader {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Reader{
		path:   name,
		marker: marker,
		sc:     bufio.NewScanner(rdr),
		seen:   make(map[string]int),
	}
}

// Path returns the name the reader was created with.
func (r *Reader) Path() string { return r.path }

// Next returns the next module, or io.EOF once the list is exhausted. Any
// other error is a *ManifestError and is sticky.
func (r *Reader) Next() (SourceModule, error) {
	if r.err != nil {
		return SourceModule{}, r.err
	}

	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		mod, err := r.parse(text)
		if err != nil {
			r.err = &ManifestError{Path: r.path, Line: r.line, Err: err}
			return SourceModule{}, r.err
		}
		return mod, nil
	}

	if err := r.sc.Err(); err != nil {
		r.err = &ManifestError{Path: r.path, Line: r.line, Err: err}
		return SourceModule{}, r.err
	}
	r.err = io.EOF
	return SourceModule{}, io.EOF
}

func (r *Reader) parse(text string) (SourceModule, error) {
	raw, ok := strings.CutSuffix(text, r.marker)
	if !ok {
		return SourceModule{}, fmt.Errorf("%w %q: %q", errMissingMarker, r.marker, text)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SourceModule{}, errEmptyKey
	}

	key := NormalizeKey(raw)
	if first, dup := r.seen[key]; dup {
		return SourceModule{}, fmt.Errorf("module %q listed twice (first on line %d)", key, first)
	}
	r.seen[key] = r.line

	mod := SourceModule{Key: key, Raw: raw, Index: r.index, Line: r.line}
	r.index++
	return mod, nil
}

// All ranges over the remaining modules. Iteration stops after the first
// error, which is yielded once.
func (r *Reader) All() iter.Seq2[SourceModule, error] {
	return func(yield func(SourceModule, error) bool) {
		for {
			mod, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(mod, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadAll reads every module of the list at path.
func ReadAll(path, marker string) ([]SourceModule, error) {
	r, err := Open(path, marker)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var mods []SourceModule
	for mod, err := range r.All() {
		if err != nil {
			return nil, err
		}
		mods = append(mods, mod)
	}
	return mods, nil
}
