package toolchain

import (
	"os"
	"path/filepath"
	"runtime"
)

const defaultCompiler = "gcc"

// CompilerPath returns the compiler driver inside a toolchain root, e.g.
// `<root>/bin/gcc.exe` on windows. An empty root means the driver is looked
// up on PATH. CC overrides the driver name when compiler is empty.
func CompilerPath(root, compiler string) string {
	if compiler == "" {
		compiler = os.Getenv("CC")
	}
	if compiler == "" {
		compiler = defaultCompiler
	}
	if filepath.IsAbs(compiler) {
		return compiler
	}
	if runtime.GOOS == "windows" && filepath.Ext(compiler) == "" {
		compiler += ".exe"
	}
	if root == "" {
		return compiler
	}
	return filepath.Join(root, "bin", compiler)
}
