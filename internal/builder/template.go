package builder

// ConfigTemplate is the syncbuild.toml written by `syncbuild init`. Its values
// match DefaultConfig.
const ConfigTemplate = `[toolchain]
# directory containing bin/gcc, e.g. '{{ environ["GCC_FOLDER"] }}'
root = ""
target_arch = "skylake"
timeout = "10m"

# [toolchain.'target_os == "windows"']
# root = 'C:/mingw64'

[build]
modules = "c_files.txt"
objects = "objects.list"
output = "Sync.exe"
map = "output.map"
include = ["include/", "include/reqs", "include/bitfont"]
entry = "kernel_main"
subsystem = 10
jobs = 1
incremental = false

[profiles.restricted]
flags = ["-mgeneral-regs-only"]

[profiles.default]
flags = ["-mavx2"]

[policy]
default = "default"

# this table replaces the built-in one, keep kernel/interrupts listed
[policy.exceptions]
"kernel/interrupts" = "restricted"
`
