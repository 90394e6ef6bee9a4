package gen

// Generator turns a build plan into a build file for another tool. Paths are
// relative to the directory the build file is written to.
type Generator interface {
	AddCompile(source, object, depfile string, argv []string)
	SetLink(output, mapFile, objects string, inputs, argv []string)
	Generate() string
	BuildFile() string
}
