package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/objlist"
	"github.com/qobs-build/syncbuild/internal/profile"
	"github.com/qobs-build/syncbuild/internal/toolchain"
	"gopkg.in/yaml.v3"
)

const (
	defaultTargetArch = "skylake"
	defaultTimeout    = 10 * time.Minute
	defaultSourceExt  = ".c"
)

var defaultIncludeRoots = []string{"include/", "include/reqs", "include/bitfont"}

type Config struct {
	Toolchain ToolchainSection          `toml:"toolchain"`
	Build     BuildSection              `toml:"build"`
	Profiles  map[string]ProfileSection `toml:"profiles"`
	Policy    PolicySection             `toml:"policy"`

	// Path is the file the config was read from, empty for built-in defaults
	Path string `toml:"-"`

	timeout time.Duration
}

// ToolchainSection defines the [toolchain] section
type ToolchainSection struct {
	Root       string `toml:"root"`
	Compiler   string `toml:"compiler"`
	TargetArch string `toml:"target_arch"`
	Timeout    string `toml:"timeout"`
}

// BuildSection defines the [build] section
type BuildSection struct {
	Modules     string   `toml:"modules"`
	Marker      string   `toml:"marker"`
	SourceExt   string   `toml:"source_ext"`
	Objects     string   `toml:"objects"`
	Output      string   `toml:"output"`
	Map         string   `toml:"map"`
	Include     []string `toml:"include"`
	Cflags      []string `toml:"cflags"`
	Ldflags     []string `toml:"ldflags"`
	Jobs        int      `toml:"jobs"`
	Incremental bool     `toml:"incremental"`
	Entry       string   `toml:"entry"`
	Subsystem   int      `toml:"subsystem"`
}

// ProfileSection defines a [profiles.*] section
type ProfileSection struct {
	Flags []string `toml:"flags"`
}

// PolicySection defines the [policy] section
type PolicySection struct {
	Default    string            `toml:"default"`
	Exceptions map[string]string `toml:"exceptions"`
}

// Overrides are the options that may be given on the command line. Zero
// values leave the config untouched.
type Overrides struct {
	ToolchainRoot string
	IncludeRoots  []string
	TargetArch    string
	OutputName    string
	Jobs          int
	Timeout       string
	Incremental   bool
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	cfg := new(Config)
	if err := cfg.finish(); err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *Config) applyDefaults() {
	setDefault(&cfg.Toolchain.TargetArch, defaultTargetArch)
	setDefault(&cfg.Build.Modules, manifest.DefaultFilename)
	setDefault(&cfg.Build.Marker, manifest.DefaultMarker)
	setDefault(&cfg.Build.SourceExt, defaultSourceExt)
	setDefault(&cfg.Build.Objects, objlist.DefaultFilename)
	setDefault(&cfg.Build.Output, toolchain.DefaultOutput)
	setDefault(&cfg.Build.Map, toolchain.DefaultMap)
	setDefault(&cfg.Build.Entry, toolchain.DefaultEntry)
	setDefault(&cfg.Policy.Default, profile.Default)
	if cfg.Build.Include == nil {
		cfg.Build.Include = slices.Clone(defaultIncludeRoots)
	}
	if cfg.Build.Jobs == 0 {
		cfg.Build.Jobs = 1
	}
	if cfg.Build.Subsystem == 0 {
		cfg.Build.Subsystem = toolchain.DefaultSubsystem
	}

	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]ProfileSection)
	}
	for name, flags := range profile.BaseProfiles {
		if _, ok := cfg.Profiles[name]; !ok {
			cfg.Profiles[name] = ProfileSection{Flags: slices.Clone(flags)}
		}
	}
	if cfg.Policy.Exceptions == nil {
		cfg.Policy.Exceptions = make(map[string]string, len(profile.BaseExceptions))
		for key, name := range profile.BaseExceptions {
			cfg.Policy.Exceptions[key] = name
		}
	}
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// Apply merges command line overrides and revalidates.
func (cfg *Config) Apply(o Overrides) error {
	if o.ToolchainRoot != "" {
		cfg.Toolchain.Root = o.ToolchainRoot
	}
	if len(o.IncludeRoots) > 0 {
		cfg.Build.Include = slices.Clone(o.IncludeRoots)
	}
	if o.TargetArch != "" {
		cfg.Toolchain.TargetArch = o.TargetArch
	}
	if o.OutputName != "" {
		cfg.Build.Output = o.OutputName
	}
	if o.Jobs != 0 {
		cfg.Build.Jobs = o.Jobs
	}
	if o.Timeout != "" {
		cfg.Toolchain.Timeout = o.Timeout
	}
	if o.Incremental {
		cfg.Build.Incremental = true
	}
	return cfg.finish()
}

func (cfg *Config) finish() error {
	cfg.applyDefaults()
	return cfg.validate()
}

func (cfg *Config) validate() error {
	var errs []error
	if strings.TrimSpace(cfg.Toolchain.TargetArch) == "" {
		errs = append(errs, errors.New("toolchain.target_arch must not be empty"))
	}
	if strings.TrimSpace(cfg.Build.Output) == "" {
		errs = append(errs, errors.New("build.output must not be empty"))
	}
	if cfg.Build.Jobs < 1 {
		errs = append(errs, fmt.Errorf("build.jobs must be at least 1, got %d", cfg.Build.Jobs))
	}
	if cfg.Build.Subsystem < 0 {
		errs = append(errs, fmt.Errorf("build.subsystem must not be negative, got %d", cfg.Build.Subsystem))
	}

	cfg.timeout = defaultTimeout
	if cfg.Toolchain.Timeout != "" {
		d, err := time.ParseDuration(cfg.Toolchain.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("toolchain.timeout: %w", err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("toolchain.timeout must not be negative, got %s", d))
		} else {
			cfg.timeout = d
		}
	}

	if _, err := cfg.Selector(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	return errors.Join(errs...)
}

// Timeout is the per-process limit; zero means none.
func (cfg *Config) Timeout() time.Duration { return cfg.timeout }

// Selector builds the profile selector described by [profiles] and [policy].
func (cfg *Config) Selector() (*profile.Selector, error) {
	profiles := make(map[string][]string, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = p.Flags
	}
	return profile.NewSelector(profiles, cfg.Policy.Exceptions, cfg.Policy.Default)
}

// DroppedExceptions returns the built-in exception keys that a user
// [policy.exceptions] table neither lists nor maps to their built-in profile
// through a pattern. A user table replaces the built-in one entirely.
func (cfg *Config) DroppedExceptions(sel *profile.Selector) []string {
	var dropped []string
	for key, want := range profile.BaseExceptions {
		if _, listed := cfg.Policy.Exceptions[key]; listed {
			continue
		}
		if sel.Select(key).Name != want {
			dropped = append(dropped, key)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// ProfileNames returns the sorted names of the defined profiles.
func (cfg *Config) ProfileNames() []string {
	names := make([]string, 0, len(cfg.Profiles))
	for k := range cfg.Profiles {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalConditionalSection parses a section and merges every sub-table
// whose key is an expression that evaluates to true
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env), expr.AsBool())
			if err == nil {
				conditionalFields[key] = subMap
			} else {
				baseFields[key] = val
			}
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	// evaluate in a stable order so later matches win predictably
	expressions := make([]string, 0, len(conditionalFields))
	for expression := range conditionalFields {
		expressions = append(expressions, expression)
	}
	slices.Sort(expressions)

	for _, expression := range expressions {
		program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(conditionalFields[expression])), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

// unmarshalSection is a helper to parse sections without conditional logic
func unmarshalSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		builder.WriteString(fmt.Sprintf("%v", result))
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed data and evaluates expressions in strings
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

// Format is the syntax of a config file.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

func decodeRaw(rdr io.Reader, format Format) (map[string]any, error) {
	rawConfig := make(map[string]any)
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(rdr).Decode(&rawConfig); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		dec := toml.NewDecoder(rdr)
		if err := dec.Decode(&rawConfig); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				return nil, errors.New(derr.String())
			}
			return nil, err
		}
	}
	return rawConfig, nil
}

func ParseConfig(rdr io.Reader, format Format, env ConfigEnv) (*Config, error) {
	rawConfig, err := decodeRaw(rdr, format)
	if err != nil {
		return nil, err
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := new(Config)

	if err := unmarshalConditionalSection(rawConfig, "toolchain", &cfg.Toolchain, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "build", &cfg.Build, env); err != nil {
		return nil, err
	}
	if err := unmarshalSection(rawConfig, "profiles", &cfg.Profiles); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "policy", &cfg.Policy, env); err != nil {
		return nil, err
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfigFromFile parses and validates a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := ParseConfig(bufio.NewReader(f), formatOf(path), env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

//
// expr-lang helpers
//

type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Environ    map[string]string `expr:"environ"`
}

func NewConfigEnv() ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Environ:    environ,
	}
}
