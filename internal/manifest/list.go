package manifest

import (
	"errors"
	"io"
	"os"
	"slices"
	"strings"
)

// List is an editable module list, used by the `modules` commands. Edits
// touch only the affected lines; comments and blank lines are kept.
type List struct {
	Path    string
	Marker  string
	Modules []SourceModule

	lines []string // file contents without line endings
	eol   string
}

// LoadList reads the list at path. A missing file yields an empty list.
func LoadList(path, marker string) (*List, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	list := &List{Path: path, Marker: marker, eol: "\n"}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return list, nil
	}
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	text := string(data)
	if strings.Contains(text, "\r\n") {
		list.eol = "\r\n"
	}
	if text != "" {
		for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
			list.lines = append(list.lines, strings.TrimSuffix(line, "\r"))
		}
	}

	r := NewReader(strings.NewReader(text), path, marker)
	for {
		mod, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		list.Modules = append(list.Modules, mod)
	}
	return list, nil
}

func (l *List) find(key string) int {
	key = NormalizeKey(key)
	return slices.IndexFunc(l.Modules, func(m SourceModule) bool { return m.Key == key })
}

func (l *List) Has(key string) bool { return l.find(key) >= 0 }

// Add appends key to the list. It reports false if key was already listed.
func (l *List) Add(key string) bool {
	if l.Has(key) {
		return false
	}
	l.lines = append(l.lines, key+l.Marker)
	l.Modules = append(l.Modules, SourceModule{
		Key:   NormalizeKey(key),
		Raw:   key,
		Index: len(l.Modules),
		Line:  len(l.lines),
	})
	return true
}

// Remove drops key and its line. It reports false if key was not listed.
func (l *List) Remove(key string) bool {
	i := l.find(key)
	if i < 0 {
		return false
	}
	line := l.Modules[i].Line
	l.lines = slices.Delete(l.lines, line-1, line)
	l.Modules = slices.Delete(l.Modules, i, i+1)
	for j := i; j < len(l.Modules); j++ {
		l.Modules[j].Index = j
		l.Modules[j].Line--
	}
	return true
}

// Save writes the list back.
func (l *List) Save() error {
	var sb strings.Builder
	for _, line := range l.lines {
		sb.WriteString(line)
		sb.WriteString(l.eol)
	}

	f, err := os.Create(l.Path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
