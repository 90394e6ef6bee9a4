package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/profile"
)

// fakeRunner records commands and creates the file following `-o`.
type fakeRunner struct {
	commands [][]string
	exitCode int
	output   string
	noOutput bool
}

func (f *fakeRunner) Run(ctx context.Context, dir string, argv []string) (*Result, error) {
	f.commands = append(f.commands, argv)
	res := &Result{Command: argv, Output: []byte(f.output), ExitCode: f.exitCode}
	if f.exitCode != 0 {
		return res, fmt.Errorf("exit status %d", f.exitCode)
	}
	if f.noOutput {
		return res, nil
	}
	if i := slices.Index(argv, "-o"); i >= 0 {
		out := Resolve(dir, argv[i+1])
		os.MkdirAll(filepath.Dir(out), 0o755)
		os.WriteFile(out, []byte("obj"), 0o644)
	}
	return res, nil
}

func testJob(key string) CompileJob {
	mod := manifest.SourceModule{Key: manifest.NormalizeKey(key), Raw: key}
	return NewCompileJob(mod, profile.NewBaseSelector().Select(key), ".c")
}

func TestCompilerCommand(t *testing.T) {
	c := &Compiler{
		Path:         "/opt/mingw/bin/gcc.exe",
		TargetArch:   "skylake",
		IncludeRoots: []string{"include/", "include/reqs", "include/bitfont"},
	}
	argv := c.Command(testJob(`kernel\interrupts`))

	if argv[0] != "/opt/mingw/bin/gcc.exe" || argv[1] != "-ffreestanding" || argv[2] != "-march=skylake" {
		t.Fatalf("unexpected command prefix %v", argv[:3])
	}
	if argv[3] != "-mgeneral-regs-only" {
		t.Errorf("restricted profile flag missing, got %q", argv[3])
	}
	if slices.Contains(argv, "-mavx2") {
		t.Error("restricted module must not get -mavx2")
	}
	for _, want := range []string{"-mno-red-zone", "-fno-stack-protector", "-ffunction-sections", "-MMD", "-MP", "-g3", "-Iinclude/reqs", "-MTkernel/interrupts.o"} {
		if !slices.Contains(argv, want) {
			t.Errorf("command lacks %s: %v", want, argv)
		}
	}

	tail := argv[len(argv)-3:]
	want := []string{"-o", filepath.FromSlash("kernel/interrupts.o"), filepath.FromSlash("kernel/interrupts.c")}
	if !slices.Equal(tail, want) {
		t.Errorf("command tail = %v, want %v", tail, want)
	}

	if argv := c.Command(testJob("video")); argv[3] != "-mavx2" {
		t.Errorf("default profile flag missing, got %q", argv[3])
	}
}

func TestCompileSuccess(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	c := &Compiler{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: runner}

	res, err := c.Compile(context.Background(), testJob("video"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Object != "video.o" || res.Skipped {
		t.Errorf("unexpected result %+v", res)
	}
	if len(runner.commands) != 1 {
		t.Errorf("expected one invocation, got %d", len(runner.commands))
	}
}

func TestCompileFailure(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "video.o"), []byte("stale"), 0o644)
	runner := &fakeRunner{exitCode: 1, output: "video.c:3: error: expected ';'\n"}
	c := &Compiler{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: runner}

	_, err := c.Compile(context.Background(), testJob("video"))
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CompileError, got %v", err)
	}
	if cerr.Module != "video" || cerr.ExitCode != 1 || cerr.Stage != StageCompile {
		t.Errorf("unexpected error fields %+v", cerr.ProcessError)
	}
	msg := cerr.Error()
	for _, want := range []string{"stage compile", "module video", "exit code 1", "command: gcc -ffreestanding", "expected ';'"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error text lacks %q:\n%s", want, msg)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "video.o")); !os.IsNotExist(err) {
		t.Error("stale object should be removed before compiling")
	}
}

func TestCompileWithoutObject(t *testing.T) {
	dir := t.TempDir()
	c := &Compiler{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: &fakeRunner{noOutput: true}}

	_, err := c.Compile(context.Background(), testJob("video"))
	var cerr *CompileError
	if !errors.As(err, &cerr) || !strings.Contains(err.Error(), "produced no object") {
		t.Fatalf("expected missing object error, got %v", err)
	}
}

func TestLinkerCommand(t *testing.T) {
	l := &Linker{Path: "gcc", TargetArch: "skylake"}
	spec := l.Spec("objects.list", "Sync.exe", "output.map")
	argv := l.Command(spec)

	want := []string{
		"gcc", "-march=skylake", "-mavx2", "-s", "-nostdlib", "-static-pie",
		"-Wl,--allow-multiple-definition", "-Wl,-e,kernel_main",
		"-Wl,--dynamicbase,--export-all-symbols", "-Wl,--subsystem,10",
		"-Wl,-Map=output.map", "-Wl,--gc-sections",
		"-o", "Sync.exe", "@objects.list",
	}
	if !slices.Equal(argv, want) {
		t.Errorf("link command =\n%v\nwant\n%v", argv, want)
	}
}

func writeObjects(t *testing.T, dir string, list string, present ...string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "objects.list"), []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, p := range present {
		p = filepath.Join(dir, filepath.FromSlash(p))
		os.MkdirAll(filepath.Dir(p), 0o755)
		os.WriteFile(p, []byte("obj"), 0o644)
	}
}

func TestLinkSuccess(t *testing.T) {
	dir := t.TempDir()
	writeObjects(t, dir, "kernel/interrupts.o\nvideo.o\n", "kernel/interrupts.o", "video.o")
	runner := &fakeRunner{}
	l := &Linker{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: runner}

	res, err := l.Link(context.Background(), l.Spec("objects.list", "Sync.exe", "output.map"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Objects != 2 {
		t.Errorf("Objects = %d, want 2", res.Objects)
	}
	if len(runner.commands) != 1 {
		t.Errorf("expected one link invocation, got %d", len(runner.commands))
	}
}

func TestLinkAbsoluteOutput(t *testing.T) {
	dir := t.TempDir()
	writeObjects(t, dir, "video.o\n", "video.o")
	image := filepath.Join(t.TempDir(), "Sync.exe")
	l := &Linker{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: &fakeRunner{}}

	if _, err := l.Link(context.Background(), l.Spec("objects.list", image, "output.map")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(image); err != nil {
		t.Errorf("image not at %s: %v", image, err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "out", "Sync.exe")
	if got := Resolve(dir, abs); got != abs {
		t.Errorf("Resolve(abs) = %s", got)
	}
	if got, want := Resolve(dir, "kernel/boot.o"), filepath.Join(dir, "kernel", "boot.o"); got != want {
		t.Errorf("Resolve(rel) = %s, want %s", got, want)
	}
}

func TestLinkMissingObject(t *testing.T) {
	dir := t.TempDir()
	writeObjects(t, dir, "kernel/interrupts.o\nvideo.o\n", "kernel/interrupts.o")
	os.WriteFile(filepath.Join(dir, "Sync.exe"), []byte("old image"), 0o644)
	runner := &fakeRunner{}
	l := &Linker{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: runner}

	_, err := l.Link(context.Background(), l.Spec("objects.list", "Sync.exe", "output.map"))
	var lerr *LinkError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
	if !strings.Contains(err.Error(), "video.o") || !strings.Contains(err.Error(), "stage link") {
		t.Errorf("error should name the missing object and stage: %v", err)
	}
	if len(runner.commands) != 0 {
		t.Error("linker must not run with missing objects")
	}
	if _, err := os.Stat(filepath.Join(dir, "Sync.exe")); !os.IsNotExist(err) {
		t.Error("stale image must not survive a failed link")
	}
}

func TestLinkEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	writeObjects(t, dir, "")
	l := &Linker{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: &fakeRunner{}}

	_, err := l.Link(context.Background(), l.Spec("objects.list", "Sync.exe", "output.map"))
	var lerr *LinkError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
}

func TestLinkFailure(t *testing.T) {
	dir := t.TempDir()
	writeObjects(t, dir, "video.o\n", "video.o")
	l := &Linker{Path: "gcc", TargetArch: "skylake", Dir: dir, Runner: &fakeRunner{exitCode: 1, output: "undefined reference to `memset'"}}

	_, err := l.Link(context.Background(), l.Spec("objects.list", "Sync.exe", "output.map"))
	var lerr *LinkError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
	if lerr.ExitCode != 1 || !strings.Contains(string(lerr.Output), "memset") {
		t.Errorf("unexpected link error %+v", lerr.ProcessError)
	}
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	dir := t.TempDir()
	r := ExecRunner{}

	res, err := r.Run(context.Background(), dir, []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if got := string(res.Output); !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("output not captured: %q", got)
	}

	res, err = r.Run(context.Background(), dir, []string{filepath.Join(dir, "no-such-gcc")})
	if err == nil || res.ExitCode != -1 {
		t.Errorf("expected spawn failure with exit code -1, got %v / %d", err, res.ExitCode)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	r := ExecRunner{Timeout: 100 * time.Millisecond}
	_, err := r.Run(context.Background(), t.TempDir(), []string{"sh", "-c", "sleep 5"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestCompilerPath(t *testing.T) {
	t.Setenv("CC", "")
	want := filepath.Join("/opt/mingw", "bin", "gcc")
	if runtime.GOOS == "windows" {
		want += ".exe"
	}
	if got := CompilerPath("/opt/mingw", ""); got != want {
		t.Errorf("CompilerPath = %q, want %q", got, want)
	}

	t.Setenv("CC", "x86_64-w64-mingw32-gcc")
	if got := CompilerPath("", ""); !strings.HasPrefix(got, "x86_64-w64-mingw32-gcc") {
		t.Errorf("CC override ignored, got %q", got)
	}
}
