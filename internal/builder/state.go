package builder

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-git/v6"
	"github.com/qobs-build/syncbuild/internal/toolchain"
)

const StateFilename = "syncbuild_state.json"

// ModuleState is what a module was last compiled from
type ModuleState struct {
	Source  string            `json:"source"`            // source hash
	Headers map[string]string `json:"headers,omitempty"` // header path -> hash, from the .d file
	Command []string          `json:"command"`
}

// BuildState is the incremental build cache. It is never read by the linker.
type BuildState struct {
	RunID    string                  `json:"run_id,omitempty"`
	Revision string                  `json:"revision,omitempty"`
	Modules  map[string]*ModuleState `json:"modules,omitempty"`
}

type stateStore struct {
	path      string
	basedir   string
	mu        sync.Mutex
	state     BuildState
	hashCache map[string]string
}

func newStateStore(basedir string) *stateStore {
	return &stateStore{
		path:      filepath.Join(basedir, StateFilename),
		basedir:   basedir,
		state:     BuildState{Modules: make(map[string]*ModuleState)},
		hashCache: make(map[string]string),
	}
}

// load loads the previous build state from disk
func (s *stateStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no previous state, that's fine
		}
		return err
	}
	defer f.Close()

	var state BuildState
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&state); err != nil {
		return err
	}
	if state.Modules == nil {
		state.Modules = make(map[string]*ModuleState)
	}
	s.state = state
	return nil
}

// save saves the current build state to disk
func (s *stateStore) save(runID, revision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.RunID = runID
	s.state.Revision = revision
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// upToDate reports whether job's object was built by argv from the current
// source and headers
func (s *stateStore) upToDate(job toolchain.CompileJob, argv []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.state.Modules[job.Module.Key]
	if !ok || !slices.Equal(prev.Command, argv) {
		return false
	}
	if _, err := os.Stat(s.abs(job.Object)); err != nil {
		return false
	}
	if hash, err := s.fileHash(job.Source); err != nil || hash != prev.Source {
		return false
	}
	for header, prevHash := range prev.Headers {
		if hash, err := s.fileHash(header); err != nil || hash != prevHash {
			return false
		}
	}
	return true
}

// update records a fresh compile of job
func (s *stateStore) update(job toolchain.CompileJob, argv []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the object was just rebuilt, so hashes from before the compile are stale
	delete(s.hashCache, job.Source)

	srcHash, err := s.fileHash(job.Source)
	if err != nil {
		return err
	}
	ms := &ModuleState{Source: srcHash, Command: slices.Clone(argv)}

	headers, err := readDepFile(s.abs(job.DepFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, header := range headers {
		if header == job.Source {
			continue
		}
		delete(s.hashCache, header)
		hash, err := s.fileHash(header)
		if err != nil {
			continue // generated or removed header, forces a rebuild next time
		}
		if ms.Headers == nil {
			ms.Headers = make(map[string]string)
		}
		ms.Headers[header] = hash
	}

	s.state.Modules[job.Module.Key] = ms
	return nil
}

func (s *stateStore) abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.basedir, filepath.FromSlash(rel))
}

// fileHash computes the SHA256 hash of a file with an in-memory cache
func (s *stateStore) fileHash(path string) (string, error) {
	if hash, ok := s.hashCache[path]; ok {
		return hash, nil
	}

	file, err := os.Open(s.abs(path))
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	hexHash := hex.EncodeToString(hash.Sum(nil))
	s.hashCache[path] = hexHash
	return hexHash, nil
}

// readDepFile returns the prerequisites of the first rule of a make-style
// dependency file as written by -MMD
func readDepFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rule strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		cont := strings.HasSuffix(line, `\`)
		rule.WriteString(strings.TrimSuffix(line, `\`))
		rule.WriteByte(' ')
		if !cont {
			break
		}
	}

	text := rule.String()
	// `: ` rather than `:` so drive letters survive
	i := strings.Index(text, ": ")
	if i < 0 {
		return nil, nil
	}
	var deps []string
	for _, field := range strings.Fields(text[i+2:]) {
		deps = append(deps, filepath.ToSlash(field))
	}
	return deps, nil
}

// sourceRevision returns the HEAD commit of the git repository containing
// dir, or "" when there is none
func sourceRevision(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
