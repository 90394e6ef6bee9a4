// syncbuild clean [dir]
package cmd

import (
	"github.com/qobs-build/syncbuild/internal/msg"
	"github.com/spf13/cobra"
)

func doClean(cmd *cobra.Command, args []string) {
	b := openBuilder(args)
	removed, err := b.Clean()
	for _, path := range removed {
		msg.Debug("removed %s", path)
	}
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("removed %d files", len(removed))
}

var cleanCmd = &cobra.Command{
	Use:   "clean [dir]",
	Short: "Remove objects, listings, the manifest and the image",
	Long:  `Remove everything a build produces. If no directory is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// syncbuild clean subcommand
	rootCmd.AddCommand(cleanCmd)
}
