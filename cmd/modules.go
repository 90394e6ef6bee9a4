// syncbuild modules
package cmd

import (
	"path/filepath"
	"strings"

	"github.com/qobs-build/syncbuild/internal/builder"
	"github.com/qobs-build/syncbuild/internal/manifest"
	"github.com/qobs-build/syncbuild/internal/msg"
	"github.com/spf13/cobra"
)

var flagModulesDir string

// loadModules loads the module list named by the config in flagModulesDir
func loadModules() (*builder.Builder, *manifest.List) {
	b, err := builder.NewBuilderInDirectory(flagModulesDir, flagConfig, builder.Overrides{})
	if err != nil {
		msg.Fatal("%v", err)
	}
	cfg := b.Config()
	list, err := manifest.LoadList(filepath.Join(b.Dir(), cfg.Build.Modules), cfg.Build.Marker)
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b, list
}

// moduleKey accepts either a key or a source path with the marker
func moduleKey(arg, marker string) string {
	return manifest.NormalizeKey(strings.TrimSuffix(strings.TrimSpace(arg), marker))
}

func doModulesList() {
	b, list := loadModules()
	if len(list.Modules) == 0 {
		msg.Warn("%s lists no modules", b.Config().Build.Modules)
		return
	}
	width := 0
	for _, m := range list.Modules {
		width = max(width, len(m.Key))
	}
	for _, m := range list.Modules {
		prof := b.Selector().Select(m.Key)
		msg.Printf("%3d. %-*s  %s\n", m.Index+1, width, m.Key, prof.Name)
	}
}

func doModulesAdd(args []string) {
	_, list := loadModules()
	added := 0
	for _, arg := range args {
		key := moduleKey(arg, list.Marker)
		if key == "" {
			msg.Fatal("empty module key %q", arg)
		}
		if !list.Add(key) {
			msg.Warn("%s is already listed", key)
			continue
		}
		added++
	}
	if err := list.Save(); err != nil {
		msg.Fatal("failed to save %s: %v", list.Path, err)
	}
	msg.Info("added %d modules to %s", added, filepath.ToSlash(list.Path))
}

func doModulesRemove(args []string) {
	_, list := loadModules()
	removed := 0
	for _, arg := range args {
		key := moduleKey(arg, list.Marker)
		if !list.Remove(key) {
			msg.Warn("%s is not listed", key)
			continue
		}
		removed++
	}
	if err := list.Save(); err != nil {
		msg.Fatal("failed to save %s: %v", list.Path, err)
	}
	msg.Info("removed %d modules from %s", removed, filepath.ToSlash(list.Path))
}

func doModulesProfile(args []string) {
	b, list := loadModules()
	for _, arg := range args {
		key := moduleKey(arg, list.Marker)
		prof := b.Selector().Select(key)
		msg.Printf("%s: %s %s\n", key, prof.Name, strings.Join(prof.Flags, " "))
	}
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List modules in build order with their flag profile",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		doModulesList()
	},
}

var modulesAddCmd = &cobra.Command{
	Use:   "add <module>...",
	Short: "Append modules to the module list",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doModulesAdd(args)
	},
}

var modulesRemoveCmd = &cobra.Command{
	Use:   "remove <module>...",
	Short: "Remove modules from the module list",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doModulesRemove(args)
	},
}

var modulesProfileCmd = &cobra.Command{
	Use:   "profile <module>...",
	Short: "Show which flag profile a module key gets",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doModulesProfile(args)
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect and edit the module list",
}

func init() {
	// syncbuild modules subcommand
	modulesCmd.PersistentFlags().StringVarP(&flagModulesDir, "dir", "C", ".", "Project directory")
	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesAddCmd)
	modulesCmd.AddCommand(modulesRemoveCmd)
	modulesCmd.AddCommand(modulesProfileCmd)
	rootCmd.AddCommand(modulesCmd)
}
