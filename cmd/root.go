// syncbuild [dir], syncbuild build [dir]
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qobs-build/syncbuild/internal/builder"
	"github.com/qobs-build/syncbuild/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagConfig      string
	flagToolchain   string
	flagArch        string
	flagInclude     []string
	flagOutput      string
	flagJobs        int
	flagTimeout     string
	flagIncremental bool
	flagGenerator   EnumValue = NewEnumValue(builder.GeneratorNative, map[string]string{
		builder.GeneratorNative: "Run the compiler and linker (default)",
		builder.GeneratorNinja:  "Generate a build.ninja file",
	})
)

func targetDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func overrides() builder.Overrides {
	return builder.Overrides{
		ToolchainRoot: flagToolchain,
		IncludeRoots:  flagInclude,
		TargetArch:    flagArch,
		OutputName:    flagOutput,
		Jobs:          flagJobs,
		Timeout:       flagTimeout,
		Incremental:   flagIncremental,
	}
}

func openBuilder(args []string) *builder.Builder {
	b, err := builder.NewBuilderInDirectory(targetDir(args), flagConfig, overrides())
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b
}

func doBuild(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := openBuilder(args)
	start := time.Now()
	res, err := b.Build(ctx, flagGenerator.Value())
	if err != nil {
		stop()
		msg.Fatal("%v", err)
	}
	if res == nil {
		return // generator only
	}

	skipped := 0
	for _, r := range res.Compiled {
		if r.Skipped {
			skipped++
		}
	}
	summary := fmt.Sprintf("built %s from %d modules in %s", b.Config().Build.Output, len(res.Compiled), time.Since(start).Round(time.Millisecond))
	if skipped > 0 {
		summary += fmt.Sprintf(" (%d up to date)", skipped)
	}
	msg.Info("%s", summary)
}

var rootCmd = &cobra.Command{
	Use:   "syncbuild [dir]",
	Short: "Build a freestanding kernel image",
	Long: `Compile every module in the module list with its flag profile, record
the objects in order and link them into one freestanding image.
If no directory is given, uses "."`,
	Args: cobra.MaximumNArgs(1),
	Run:  doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Build the image",
	Long:  `Build the image. If no directory is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&msg.Verbose, "verbose", "v", false, "Print debug output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file to use instead of discovering one")
	addBuildFlags(rootCmd)

	// syncbuild build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagToolchain, "toolchain", "", "Toolchain root containing bin/gcc")
	cmd.Flags().StringVar(&flagArch, "arch", "", "Target architecture passed as -march")
	cmd.Flags().StringSliceVarP(&flagInclude, "include", "I", nil, "Include root, may be repeated")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output image name")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of modules to compile at once")
	cmd.Flags().StringVar(&flagTimeout, "timeout", "", "Per-process timeout, 0 disables it")
	cmd.Flags().BoolVar(&flagIncremental, "incremental", false, "Skip modules whose sources and command are unchanged")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
