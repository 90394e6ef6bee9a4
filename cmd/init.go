// syncbuild init [dir]
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/syncbuild/internal/builder"
	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		msg.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	} else {
		msg.Warn("%s already exists, leaving it alone", filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "syncbuild"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// initIn writes a default config and an empty module list into dir
func initIn(dir string) {
	mkdir(dir)
	writefile(builder.ConfigTemplate, dir, builder.ProjectConfigNames[0])
	writefile("", dir, manifest.DefaultFilename)

	programName := getProgramName()
	msg.Printf("Add modules with %s, then run %s to build.\n",
		color.HiCyanString(programName+" modules add <path>.c"),
		color.HiCyanString(programName+" "+dir))
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a syncbuild.toml and an empty module list",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(targetDir(args))
	},
}

func init() {
	// syncbuild init subcommand
	rootCmd.AddCommand(initCmd)
}
