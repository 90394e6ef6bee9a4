package toolchain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultEntry     = "kernel_main"
	DefaultSubsystem = 10
	DefaultOutput    = "Sync.exe"
	DefaultMap       = "output.map"
)

// LinkError is a failed link. No output image survives it.
type LinkError struct{ ProcessError }

// LinkSpec is one link of the whole image.
type LinkSpec struct {
	Flags    []string
	Manifest string // object manifest, passed as @file
	Output   string
	Map      string
}

// LinkResult is a successful link.
type LinkResult struct {
	Spec    LinkSpec
	Result  *Result
	Objects int
}

// Linker builds the freestanding image from an object manifest.
type Linker struct {
	Path       string
	TargetArch string
	Entry      string
	Subsystem  int
	ExtraFlags []string
	Dir        string
	Runner     Runner
}

// Spec returns the link spec for the given manifest and outputs.
func (l *Linker) Spec(objects, output, mapFile string) LinkSpec {
	entry := l.Entry
	if entry == "" {
		entry = DefaultEntry
	}
	subsystem := l.Subsystem
	if subsystem == 0 {
		subsystem = DefaultSubsystem
	}

	flags := []string{
		"-march=" + l.TargetArch,
		"-mavx2",
		"-s",
		"-nostdlib",
		"-static-pie",
		"-Wl,--allow-multiple-definition",
		"-Wl,-e," + entry,
		"-Wl,--dynamicbase,--export-all-symbols",
		"-Wl,--subsystem," + strconv.Itoa(subsystem),
		"-Wl,-Map=" + mapFile,
		"-Wl,--gc-sections",
	}
	flags = append(flags, l.ExtraFlags...)

	return LinkSpec{Flags: flags, Manifest: objects, Output: output, Map: mapFile}
}

// Command returns the full argv for spec.
func (l *Linker) Command(spec LinkSpec) []string {
	args := []string{l.Path}
	args = append(args, spec.Flags...)
	args = append(args, "-o", spec.Output, "@"+spec.Manifest)
	return args
}

// Link verifies that every object in the manifest exists and runs the linker.
func (l *Linker) Link(ctx context.Context, spec LinkSpec) (*LinkResult, error) {
	argv := l.Command(spec)
	output := Resolve(l.Dir, spec.Output)

	fail := func(res *Result, err error) (*LinkResult, error) {
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove unusable image: %w", rmErr))
		}
		return nil, &LinkError{*newProcessError(StageLink, "", argv, res, err)}
	}

	objects, err := l.verifyObjects(spec.Manifest)
	if err != nil {
		return fail(nil, err)
	}

	if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(nil, fmt.Errorf("remove stale image: %w", err))
	}

	res, err := l.runner().Run(ctx, l.Dir, argv)
	if err != nil {
		return fail(res, err)
	}
	if _, err := os.Stat(output); err != nil {
		return fail(res, fmt.Errorf("linker exited successfully but produced no image: %w", err))
	}
	return &LinkResult{Spec: spec, Result: res, Objects: objects}, nil
}

// verifyObjects checks every manifest entry on disk and returns their count.
func (l *Linker) verifyObjects(manifestPath string) (int, error) {
	f, err := os.Open(Resolve(l.Dir, manifestPath))
	if err != nil {
		return 0, fmt.Errorf("open object manifest: %w", err)
	}
	defer f.Close()

	var missing []string
	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		obj := strings.TrimSpace(sc.Text())
		if obj == "" {
			continue
		}
		count++
		if _, err := os.Stat(Resolve(l.Dir, obj)); err != nil {
			missing = append(missing, obj)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read object manifest: %w", err)
	}
	if count == 0 {
		return 0, fmt.Errorf("object manifest %s is empty", manifestPath)
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("object manifest references missing objects: %s", strings.Join(missing, ", "))
	}
	return count, nil
}

func (l *Linker) runner() Runner {
	if l.Runner == nil {
		return ExecRunner{}
	}
	return l.Runner
}
