package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qobs-build/syncbuild/internal/builder/gen"
	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/msg"
	"github.com/qobs-build/syncbuild/internal/objlist"
	"github.com/qobs-build/syncbuild/internal/profile"
	"github.com/qobs-build/syncbuild/internal/toolchain"
	"golang.org/x/sync/errgroup"
)

const (
	GeneratorNative = "native"
	GeneratorNinja  = "ninja"
)

// State is a step of the run state machine:
//
//	INIT -> {SELECT_PROFILE -> COMPILE -> RECORD}* -> LINK -> DONE
//
// with any step able to move to FAILED.
type State int

const (
	StateInit State = iota
	StateSelectProfile
	StateCompile
	StateRecord
	StateLink
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:          "INIT",
	StateSelectProfile: "SELECT_PROFILE",
	StateCompile:       "COMPILE",
	StateRecord:        "RECORD",
	StateLink:          "LINK",
	StateDone:          "DONE",
	StateFailed:        "FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is a finished run.
type Result struct {
	RunID    string
	Revision string
	Compiled []*toolchain.CompileResult // in module list order
	Link     *toolchain.LinkResult
	// Changed is the number of manifest lines that differ from the previous run.
	Changed int
}

type Builder struct {
	cfg      *Config
	basedir  string
	selector *profile.Selector
	compiler *toolchain.Compiler
	linker   *toolchain.Linker
	objects  *objlist.Writer

	mu      sync.Mutex
	state   State
	history []State
}

// NewBuilderInDirectory loads the config for path (or configPath when set)
// and applies the command line overrides.
func NewBuilderInDirectory(path, configPath string, o Overrides) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	if configPath != "" && !filepath.IsAbs(configPath) {
		configPath = filepath.Join(path, configPath)
	}
	cfg, err := LoadConfig(path, configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(o); err != nil {
		return nil, err
	}
	return NewBuilder(path, cfg)
}

func NewBuilder(basedir string, cfg *Config) (*Builder, error) {
	selector, err := cfg.Selector()
	if err != nil {
		return nil, err
	}
	for _, key := range cfg.DroppedExceptions(selector) {
		msg.Warn("[policy.exceptions] does not list %s, it gets the %s profile instead of %s",
			key, selector.Select(key).Name, profile.BaseExceptions[key])
	}

	b := &Builder{
		cfg:      cfg,
		basedir:  basedir,
		selector: selector,
		objects:  objlist.NewWriter(toolchain.Resolve(basedir, cfg.Build.Objects)),
	}
	cc := toolchain.CompilerPath(cfg.Toolchain.Root, cfg.Toolchain.Compiler)
	b.compiler = &toolchain.Compiler{
		Path:         cc,
		TargetArch:   cfg.Toolchain.TargetArch,
		IncludeRoots: cfg.Build.Include,
		ExtraFlags:   cfg.Build.Cflags,
		Dir:          basedir,
	}
	b.linker = &toolchain.Linker{
		Path:       cc,
		TargetArch: cfg.Toolchain.TargetArch,
		Entry:      cfg.Build.Entry,
		Subsystem:  cfg.Build.Subsystem,
		ExtraFlags: cfg.Build.Ldflags,
		Dir:        basedir,
	}
	b.SetRunner(toolchain.ExecRunner{Timeout: cfg.Timeout()})
	return b, nil
}

// SetRunner replaces the process runner used for the compiler and linker.
func (b *Builder) SetRunner(r toolchain.Runner) {
	b.compiler.Runner = r
	b.linker.Runner = r
}

func (b *Builder) Config() *Config { return b.cfg }

func (b *Builder) Dir() string { return b.basedir }

func (b *Builder) Selector() *profile.Selector { return b.selector }

// State returns the current step of the run.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// History returns every state entered during the last run, in order.
func (b *Builder) History() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

func (b *Builder) enter(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.history = append(b.history, s)
}

func (b *Builder) fail(err error) error {
	b.enter(StateFailed)
	return err
}

func (b *Builder) modulesPath() string {
	return toolchain.Resolve(b.basedir, b.cfg.Build.Modules)
}

// Build runs the whole pipeline, or writes a build file when generator is ninja.
func (b *Builder) Build(ctx context.Context, generator string) (*Result, error) {
	switch generator {
	case "", GeneratorNative:
		return b.run(ctx)
	case GeneratorNinja:
		return nil, b.generate(&gen.NinjaGen{})
	default:
		return nil, fmt.Errorf("unknown generator %q", generator)
	}
}

func (b *Builder) run(ctx context.Context) (*Result, error) {
	b.mu.Lock()
	b.state, b.history = StateInit, []State{StateInit}
	b.mu.Unlock()

	res := &Result{RunID: uuid.NewString(), Revision: sourceRevision(b.basedir)}
	msg.Debug("build %s in %s", res.RunID, b.basedir)
	if res.Revision != "" {
		msg.Debug("source revision %s", res.Revision)
	}
	if b.cfg.Path != "" {
		msg.Debug("using config %s", b.cfg.Path)
	}

	reader, err := manifest.Open(b.modulesPath(), b.cfg.Build.Marker)
	if err != nil {
		return nil, b.fail(err)
	}
	defer reader.Close()

	var state *stateStore
	if b.cfg.Build.Incremental {
		state = newStateStore(b.basedir)
		if err := state.load(); err != nil {
			msg.Warn("failed to load build state: %v", err)
		}
	}

	previous, err := b.objects.Reset()
	if err != nil {
		return nil, b.fail(err)
	}

	counter := msg.NewCounter(countModules(b.modulesPath()))
	if b.cfg.Build.Jobs > 1 {
		res.Compiled, err = b.compileParallel(ctx, reader, state, counter)
	} else {
		res.Compiled, err = b.compileSequential(ctx, reader, state, counter)
	}
	if err != nil {
		return nil, b.fail(err)
	}
	msg.Debug("compiled %d modules in %s", len(res.Compiled), counter.Elapsed())

	if previous != "" {
		changed, diff := objlist.LineDiff(previous, b.objects.Content())
		if changed > 0 {
			msg.Warn("object manifest changed since the last run (%d lines)", changed)
			msg.Debug("object manifest diff:\n%s", strings.TrimRight(diff, "\n"))
		}
		res.Changed = changed
	}

	b.enter(StateLink)
	spec := b.linker.Spec(b.cfg.Build.Objects, b.cfg.Build.Output, b.cfg.Build.Map)
	msg.Step(nil, "LINK", "%s", b.cfg.Build.Output)
	res.Link, err = b.linker.Link(ctx, spec)
	if err != nil {
		return nil, b.fail(err)
	}
	printToolOutput(res.Link.Result)
	msg.Debug("linked %d objects in %s", res.Link.Objects, res.Link.Result.Duration.Round(time.Millisecond))

	if state != nil {
		if err := state.save(res.RunID, res.Revision); err != nil {
			msg.Warn("failed to save build state: %v", err)
		}
	}

	b.enter(StateDone)
	return res, nil
}

func (b *Builder) newJob(mod manifest.SourceModule) toolchain.CompileJob {
	b.enter(StateSelectProfile)
	prof := b.selector.Select(mod.Key)
	msg.Debug("%s: profile %s %v", mod.Key, prof.Name, prof.Flags)
	return toolchain.NewCompileJob(mod, prof, b.cfg.Build.SourceExt)
}

// compile runs one job, or skips it when the incremental state says it is
// up to date
func (b *Builder) compile(ctx context.Context, job toolchain.CompileJob, state *stateStore, counter *msg.Counter) (*toolchain.CompileResult, error) {
	b.enter(StateCompile)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := b.compiler.Command(job)
	if state != nil && state.upToDate(job, argv) {
		counter.Next()
		msg.Debug("%s is up to date", job.Object)
		return &toolchain.CompileResult{Job: job, Skipped: true}, nil
	}

	msg.Step(counter, "CC", "%s", job.Source)
	res, err := b.compiler.Compile(ctx, job)
	if err != nil {
		return nil, err
	}
	printToolOutput(res.Result)
	msg.Debug("%s took %s", job.Source, res.Result.Duration.Round(time.Millisecond))

	if state != nil {
		if err := state.update(job, argv); err != nil {
			msg.Warn("failed to update build state for %s: %v", job.Module.Key, err)
		}
	}
	return res, nil
}

func (b *Builder) compileSequential(ctx context.Context, reader *manifest.Reader, state *stateStore, counter *msg.Counter) ([]*toolchain.CompileResult, error) {
	var results []*toolchain.CompileResult

	for {
		mod, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return nil, err
		}

		job := b.newJob(mod)
		res, err := b.compile(ctx, job, state, counter)
		if err != nil {
			return nil, err
		}

		b.enter(StateRecord)
		if err := b.objects.Append(job.Object); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
}

// compileParallel compiles up to Jobs modules at once. Manifest appends go
// through a Sequencer so the manifest keeps module list order.
func (b *Builder) compileParallel(ctx context.Context, reader *manifest.Reader, state *stateStore, counter *msg.Counter) ([]*toolchain.CompileResult, error) {
	seq := objlist.NewSequencer(b.objects)

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.cfg.Build.Jobs)

	var (
		mu      sync.Mutex
		results []*toolchain.CompileResult
		readErr error
	)
	total := 0

	for {
		if egctx.Err() != nil {
			break
		}
		mod, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		job := b.newJob(mod)
		total++
		mu.Lock()
		results = append(results, nil)
		mu.Unlock()

		eg.Go(func() error {
			res, err := b.compile(egctx, job, state, counter)
			if err != nil {
				return err
			}
			mu.Lock()
			results[job.Module.Index] = res
			mu.Unlock()

			b.enter(StateRecord)
			return seq.Done(job.Module.Index, job.Object)
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if written := seq.Written(); written != total {
		return nil, fmt.Errorf("internal error: %d of %d objects recorded", written, total)
	}
	return results, nil
}

// countModules counts the module lines of the list at path for progress
// labels. It returns 0, meaning unknown, when the list cannot be read.
func countModules(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	return n
}

// printToolOutput echoes warnings from a successful tool run
func printToolOutput(res *toolchain.Result) {
	if res == nil {
		return
	}
	msg.Indented("    ", res.Output)
}

// Plan reads the whole module list and returns its compile jobs.
func (b *Builder) Plan() ([]toolchain.CompileJob, error) {
	mods, err := manifest.ReadAll(b.modulesPath(), b.cfg.Build.Marker)
	if err != nil {
		return nil, err
	}
	jobs := make([]toolchain.CompileJob, len(mods))
	for i, mod := range mods {
		jobs[i] = toolchain.NewCompileJob(mod, b.selector.Select(mod.Key), b.cfg.Build.SourceExt)
	}
	return jobs, nil
}

// generate writes a build file for g instead of running the toolchain. The
// object manifest is written up front since the link edge reads it.
func (b *Builder) generate(g gen.Generator) error {
	jobs, err := b.Plan()
	if err != nil {
		return err
	}

	if _, err := b.objects.Reset(); err != nil {
		return err
	}
	objects := make([]string, len(jobs))
	for i, job := range jobs {
		g.AddCompile(job.Source, job.Object, job.DepFile, b.compiler.Command(job))
		if err := b.objects.Append(job.Object); err != nil {
			return err
		}
		objects[i] = job.Object
	}

	spec := b.linker.Spec(b.cfg.Build.Objects, b.cfg.Build.Output, b.cfg.Build.Map)
	g.SetLink(spec.Output, spec.Map, spec.Manifest, objects, b.linker.Command(spec))

	buildFile := filepath.Join(b.basedir, g.BuildFile())
	if err := os.WriteFile(buildFile, []byte(g.Generate()), 0644); err != nil {
		return err
	}
	msg.Info("wrote %s (%d modules)", filepath.ToSlash(buildFile), len(jobs))
	return nil
}

// Clean removes everything a run produces.
func (b *Builder) Clean() ([]string, error) {
	targets := []string{
		b.cfg.Build.Objects,
		b.cfg.Build.Output,
		b.cfg.Build.Map,
		StateFilename,
	}

	mods, err := manifest.ReadAll(b.modulesPath(), b.cfg.Build.Marker)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, mod := range mods {
		for _, ext := range []string{".o", ".out", ".d"} {
			targets = append(targets, mod.Output(ext))
		}
	}

	var removed []string
	var errs []error
	for _, t := range targets {
		path := toolchain.Resolve(b.basedir, t)
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed = append(removed, t)
	}
	return removed, errors.Join(errs...)
}
