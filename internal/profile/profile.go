// Package profile selects the compiler flag profile each module is built with.
package profile

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/qobs-build/syncbuild/internal/manifest"
)

const (
	Restricted = "restricted"
	Default    = "default"
)

// FlagProfile is a named, ordered list of compiler flags.
type FlagProfile struct {
	Name  string
	Flags []string
}

// BaseProfiles are the two profiles of the base policy. Code that may run in
// interrupt context must not touch vector register state, which is not saved
// on entry.
var BaseProfiles = map[string][]string{
	Restricted: {"-mgeneral-regs-only"},
	Default:    {"-mavx2"},
}

// BaseExceptions maps module keys to non-default profiles.
var BaseExceptions = map[string]string{
	"kernel/interrupts": Restricted,
}

// Selector maps module keys to profiles through an exception table with a
// default fallback. Table keys are module keys or doublestar patterns.
type Selector struct {
	profiles map[string]FlagProfile
	exact    map[string]string
	patterns []string // longest first
	byPat    map[string]string
	fallback string
}

// NewSelector validates the table against the known profiles.
func NewSelector(profiles map[string][]string, exceptions map[string]string, fallback string) (*Selector, error) {
	s := &Selector{
		profiles: make(map[string]FlagProfile, len(profiles)),
		exact:    make(map[string]string),
		byPat:    make(map[string]string),
		fallback: fallback,
	}
	for name, flags := range profiles {
		s.profiles[name] = FlagProfile{Name: name, Flags: slices.Clone(flags)}
	}

	if _, ok := s.profiles[fallback]; !ok {
		return nil, fmt.Errorf("default profile %q is not defined, known profiles: %s", fallback, strings.Join(s.Names(), ", "))
	}

	for key, name := range exceptions {
		if _, ok := s.profiles[name]; !ok {
			return nil, fmt.Errorf("module %q uses undefined profile %q, known profiles: %s", key, name, strings.Join(s.Names(), ", "))
		}
		key = manifest.NormalizeKey(key)
		if isPattern(key) {
			if !doublestar.ValidatePattern(key) {
				return nil, fmt.Errorf("invalid module pattern %q", key)
			}
			s.byPat[key] = name
			continue
		}
		s.exact[key] = name
	}

	s.patterns = slices.Collect(maps.Keys(s.byPat))
	slices.SortFunc(s.patterns, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return s, nil
}

// NewBaseSelector returns the selector of the base policy.
func NewBaseSelector() *Selector {
	s, err := NewSelector(BaseProfiles, BaseExceptions, Default)
	if err != nil {
		panic(err)
	}
	return s
}

func isPattern(key string) bool {
	return strings.ContainsAny(key, "*?[{")
}

// Select returns the profile for a module key. It never fails.
func (s *Selector) Select(key string) FlagProfile {
	key = manifest.NormalizeKey(key)
	if name, ok := s.exact[key]; ok {
		return s.profiles[name]
	}
	for _, pat := range s.patterns {
		if ok, _ := doublestar.Match(pat, key); ok {
			return s.profiles[s.byPat[pat]]
		}
	}
	return s.profiles[s.fallback]
}

// Names returns the sorted profile names.
func (s *Selector) Names() []string {
	names := slices.Collect(maps.Keys(s.profiles))
	slices.Sort(names)
	return names
}
