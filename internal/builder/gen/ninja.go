package gen

import (
	"strings"
)

// ninjaEdge is one build statement with its full command line
type ninjaEdge struct {
	outputs  []string
	implicit []string // implicit outputs
	inputs   []string
	deps     []string // implicit dependencies
	depfile  string
	command  string
}

type NinjaGen struct {
	compiles []ninjaEdge
	link     *ninjaEdge
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// shellQuote renders argv as a single command for ninja's shell
func shellQuote(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\"'\\$;&|<>()*?") {
			arg = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`).Replace(arg) + `"`
		}
		parts[i] = arg
	}
	// ninja itself expands $ in variable values
	return strings.ReplaceAll(strings.Join(parts, " "), "$", "$$")
}

func quoteAll(paths []string) string {
	q := make([]string, len(paths))
	for i, p := range paths {
		q[i] = quote(p)
	}
	return strings.Join(q, " ")
}

// AddCompile adds one module's compile edge
func (g *NinjaGen) AddCompile(source, object, depfile string, argv []string) {
	g.compiles = append(g.compiles, ninjaEdge{
		outputs: []string{object},
		inputs:  []string{source},
		depfile: depfile,
		command: shellQuote(argv),
	})
}

// SetLink sets the single link edge. The object manifest is an implicit
// dependency because the linker reads the objects through it.
func (g *NinjaGen) SetLink(output, mapFile, objects string, inputs, argv []string) {
	g.link = &ninjaEdge{
		outputs:  []string{output},
		implicit: []string{mapFile},
		inputs:   inputs,
		deps:     []string{objects},
		command:  shellQuote(argv),
	}
}

func (g *NinjaGen) Generate() string {
	var sb strings.Builder

	writeln(&sb, "ninja_required_version = 1.3")
	writeln(&sb)

	// gen rules
	write(&sb,
		`rule cc
  command = $cmd
  description = CC $out
  depfile = $depfile
  deps = gcc
`)
	write(&sb,
		`rule link
  command = $cmd
  description = LINK $out
`)
	writeln(&sb)

	// build object files
	for _, e := range g.compiles {
		writeln(&sb, "build ", quoteAll(e.outputs), ": cc ", quoteAll(e.inputs))
		writeln(&sb, "  cmd = ", e.command)
		writeln(&sb, "  depfile = ", e.depfile)
	}
	writeln(&sb)

	if g.link != nil {
		e := g.link
		write(&sb, "build ", quoteAll(e.outputs))
		if len(e.implicit) > 0 {
			write(&sb, " | ", quoteAll(e.implicit))
		}
		write(&sb, ": link ", quoteAll(e.inputs))
		if len(e.deps) > 0 {
			write(&sb, " | ", quoteAll(e.deps))
		}
		writeln(&sb)
		writeln(&sb, "  cmd = ", e.command)
		writeln(&sb)
		writeln(&sb, "default ", quoteAll(e.outputs))
	}

	return sb.String()
}
