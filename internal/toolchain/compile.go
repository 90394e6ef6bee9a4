package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/profile"
)

// baseline flags shared by every module, split around the profile flags
var (
	codegenFlags = []string{
		"-fno-exceptions",
		"-fno-stack-protector",
		"-fno-stack-check",
		"-fno-strict-aliasing",
		"-fno-merge-all-constants",
		"-mno-stack-arg-probe",
		"-m64",
		"-mno-red-zone", // interrupts may arrive at any stack depth
		"-maccumulate-outgoing-args",
		"--std=gnu11",
	}
	diagFlags = []string{
		"-Og",
		"-g3",
		"-Wall",
		"-Wextra",
		"-Wdouble-promotion",
		"-Wpedantic",
		"-fmessage-length=0",
		"-ffunction-sections",
	}
)

// CompileError is a failed compile of one module.
type CompileError struct{ ProcessError }

// CompileJob pairs a module with its profile and output paths. All paths use
// `/` and are relative to the working directory.
type CompileJob struct {
	Module  manifest.SourceModule
	Profile profile.FlagProfile
	Source  string
	Object  string
	Listing string
	DepFile string
}

func NewCompileJob(mod manifest.SourceModule, prof profile.FlagProfile, sourceExt string) CompileJob {
	return CompileJob{
		Module:  mod,
		Profile: prof,
		Source:  mod.Source(sourceExt),
		Object:  mod.Output(".o"),
		Listing: mod.Output(".out"),
		DepFile: mod.Output(".d"),
	}
}

// CompileResult is a successful compile.
type CompileResult struct {
	Job    CompileJob
	Result *Result
	// Skipped is set when the object was up to date and the compiler did not run.
	Skipped bool
}

// Compiler builds one module at a time with a freestanding baseline.
type Compiler struct {
	Path         string
	TargetArch   string
	IncludeRoots []string
	ExtraFlags   []string
	Dir          string
	Runner       Runner
}

// Command returns the full argv for a job.
func (c *Compiler) Command(job CompileJob) []string {
	args := []string{c.Path, "-ffreestanding", "-march=" + c.TargetArch}
	args = append(args, job.Profile.Flags...)
	args = append(args, codegenFlags...)
	for _, inc := range c.IncludeRoots {
		args = append(args, "-I"+inc)
	}
	args = append(args, diagFlags...)
	args = append(args, c.ExtraFlags...)
	args = append(args,
		"-c",
		"-MMD",
		"-MP",
		"-Wa,-adghlmns="+filepath.FromSlash(job.Listing),
		"-MT"+job.Object,
		"-o", filepath.FromSlash(job.Object),
		filepath.FromSlash(job.Source),
	)
	return args
}

// Compile runs the compiler for job and waits for it.
func (c *Compiler) Compile(ctx context.Context, job CompileJob) (*CompileResult, error) {
	argv := c.Command(job)

	fail := func(res *Result, err error) (*CompileResult, error) {
		return nil, &CompileError{*newProcessError(StageCompile, job.Module.Key, argv, res, err)}
	}

	obj := Resolve(c.Dir, job.Object)
	if err := os.Remove(obj); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(nil, fmt.Errorf("remove stale object: %w", err))
	}

	res, err := c.runner().Run(ctx, c.Dir, slices.Clone(argv))
	if err != nil {
		return fail(res, err)
	}
	if _, err := os.Stat(obj); err != nil {
		return fail(res, fmt.Errorf("compiler exited successfully but produced no object: %w", err))
	}
	return &CompileResult{Job: job, Result: res}, nil
}

func (c *Compiler) runner() Runner {
	if c.Runner == nil {
		return ExecRunner{}
	}
	return c.Runner
}
