package builder

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/qobs-build/syncbuild/internal/profile"
)

func testEnv() ConfigEnv {
	return ConfigEnv{
		TargetOS:   "windows",
		TargetArch: "amd64",
		Environ:    map[string]string{"GCC_FOLDER": `C:\mingw64`},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Toolchain.TargetArch != "skylake" {
		t.Errorf("target arch = %q", cfg.Toolchain.TargetArch)
	}
	if cfg.Build.Modules != "c_files.txt" || cfg.Build.Objects != "objects.list" {
		t.Errorf("files = %q %q", cfg.Build.Modules, cfg.Build.Objects)
	}
	if cfg.Build.Output != "Sync.exe" || cfg.Build.Map != "output.map" {
		t.Errorf("outputs = %q %q", cfg.Build.Output, cfg.Build.Map)
	}
	if !slices.Equal(cfg.Build.Include, []string{"include/", "include/reqs", "include/bitfont"}) {
		t.Errorf("include = %v", cfg.Build.Include)
	}
	if cfg.Build.Jobs != 1 || cfg.Timeout() != 10*time.Minute {
		t.Errorf("jobs = %d timeout = %s", cfg.Build.Jobs, cfg.Timeout())
	}

	sel, err := cfg.Selector()
	if err != nil {
		t.Fatal(err)
	}
	if sel.Select(`kernel\interrupts`).Name != profile.Restricted {
		t.Error("base policy lost")
	}
}

func TestParseConfigTOML(t *testing.T) {
	src := `
[toolchain]
root = '{{ environ["GCC_FOLDER"] }}'
target_arch = "znver3"
timeout = "90s"

[toolchain.'target_os == "linux"']
compiler = "x86_64-w64-mingw32-gcc"

[build]
output = "Kernel.exe"
include = ["include/"]
jobs = 4

[build.'target_os == "windows"']
cflags = ["-DWIN_HOST"]

[profiles.sse]
flags = ["-msse2", "-mno-avx"]

[policy]
default = "default"

[policy.exceptions]
'kernel\interrupts' = "restricted"
"drivers/audio/**" = "sse"
`
	cfg, err := ParseConfig(strings.NewReader(src), FormatTOML, testEnv())
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Toolchain.Root != `C:\mingw64` {
		t.Errorf("root = %q", cfg.Toolchain.Root)
	}
	if cfg.Toolchain.Compiler != "" {
		t.Errorf("linux-only compiler applied on windows: %q", cfg.Toolchain.Compiler)
	}
	if cfg.Toolchain.TargetArch != "znver3" || cfg.Timeout() != 90*time.Second {
		t.Errorf("toolchain = %+v timeout %s", cfg.Toolchain, cfg.Timeout())
	}
	if cfg.Build.Output != "Kernel.exe" || cfg.Build.Jobs != 4 {
		t.Errorf("build = %+v", cfg.Build)
	}
	if !slices.Equal(cfg.Build.Cflags, []string{"-DWIN_HOST"}) {
		t.Errorf("conditional cflags = %v", cfg.Build.Cflags)
	}
	if cfg.Build.Modules != "c_files.txt" {
		t.Errorf("unset fields should keep defaults, modules = %q", cfg.Build.Modules)
	}
	if !slices.Equal(cfg.ProfileNames(), []string{"default", "restricted", "sse"}) {
		t.Errorf("profiles = %v", cfg.ProfileNames())
	}

	sel, err := cfg.Selector()
	if err != nil {
		t.Fatal(err)
	}
	if got := sel.Select("drivers/audio/hda").Name; got != "sse" {
		t.Errorf("drivers/audio/hda -> %q", got)
	}
	if got := sel.Select("kernel/interrupts").Name; got != "restricted" {
		t.Errorf("kernel/interrupts -> %q", got)
	}
}

func TestParseConfigYAML(t *testing.T) {
	src := `
toolchain:
  root: /opt/mingw
build:
  modules: modules.txt
  marker: .mod
  jobs: 2
policy:
  exceptions:
    kernel/interrupts: restricted
    kernel/panic: restricted
`
	cfg, err := ParseConfig(strings.NewReader(src), FormatYAML, testEnv())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Toolchain.Root != "/opt/mingw" || cfg.Build.Modules != "modules.txt" || cfg.Build.Marker != ".mod" || cfg.Build.Jobs != 2 {
		t.Errorf("unexpected config %+v", cfg)
	}
	sel, err := cfg.Selector()
	if err != nil {
		t.Fatal(err)
	}
	if sel.Select("kernel/panic").Name != profile.Restricted {
		t.Error("yaml exception not applied")
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"bad toml", "[build\n", ""},
		{"bad jobs", "[build]\njobs = -1\n", "build.jobs"},
		{"bad timeout", "[toolchain]\ntimeout = \"soon\"\n", "toolchain.timeout"},
		{"unknown default profile", "[policy]\ndefault = \"fast\"\n", "fast"},
		{"unknown exception profile", "[policy.exceptions]\nvideo = \"fast\"\n", "fast"},
		{"bad expression", "[build]\noutput = \"{{ nope( }}\"\n", "expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tt.src), FormatTOML, testEnv())
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Apply(Overrides{
		ToolchainRoot: "/opt/cross",
		IncludeRoots:  []string{"inc"},
		TargetArch:    "icelake-client",
		OutputName:    "Sync2.exe",
		Jobs:          8,
		Timeout:       "0",
		Incremental:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Toolchain.Root != "/opt/cross" || cfg.Toolchain.TargetArch != "icelake-client" || cfg.Build.Output != "Sync2.exe" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !slices.Equal(cfg.Build.Include, []string{"inc"}) || cfg.Build.Jobs != 8 || !cfg.Build.Incremental {
		t.Errorf("overrides not applied: %+v", cfg.Build)
	}
	if cfg.Timeout() != 0 {
		t.Errorf("timeout = %s, want 0", cfg.Timeout())
	}

	if err := cfg.Apply(Overrides{Jobs: -2}); err == nil {
		t.Error("expected validation error for negative jobs")
	}
}

func TestLoadConfigDiscovery(t *testing.T) {
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	dir := t.TempDir()

	cfg, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "" {
		t.Errorf("expected built-in defaults, got %q", cfg.Path)
	}

	path := filepath.Join(dir, "syncbuild.yaml")
	if err := os.WriteFile(path, []byte("build:\n  output: Other.exe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != path || cfg.Build.Output != "Other.exe" {
		t.Errorf("expected %s to be used, got %q / %q", path, cfg.Path, cfg.Build.Output)
	}
}

func TestConfigTemplate(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(ConfigTemplate), FormatTOML, ConfigEnv{TargetOS: "linux"})
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if !reflect.DeepEqual(cfg.Build, def.Build) || !reflect.DeepEqual(cfg.Policy, def.Policy) {
		t.Errorf("template differs from defaults:\n%+v\n%+v", cfg.Build, def.Build)
	}
	if cfg.Timeout() != def.Timeout() || cfg.Toolchain.TargetArch != def.Toolchain.TargetArch {
		t.Errorf("toolchain = %+v, want %+v", cfg.Toolchain, def.Toolchain)
	}
}

func TestDroppedExceptions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"defaults", "", nil},
		{"table without interrupts", "[policy.exceptions]\n\"drivers/**\" = \"restricted\"\n", []string{"kernel/interrupts"}},
		{"covered by pattern", "[policy.exceptions]\n\"kernel/**\" = \"restricted\"\n", nil},
		{"explicit override", "[policy.exceptions]\n\"kernel/interrupts\" = \"default\"\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(strings.NewReader(tt.src), FormatTOML, testEnv())
			if err != nil {
				t.Fatal(err)
			}
			sel, err := cfg.Selector()
			if err != nil {
				t.Fatal(err)
			}
			if got := cfg.DroppedExceptions(sel); !slices.Equal(got, tt.want) {
				t.Errorf("DroppedExceptions = %v, want %v", got, tt.want)
			}
		})
	}
}
