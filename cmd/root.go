// pyext [path], pyext build [path]
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/qobs-build/pyext/internal/builder"
	"github.com/qobs-build/pyext/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile = NewEnumValue("release",
		EnumOption{"release", "Optimized build (default)"},
		EnumOption{"debug", "Build with debug information"},
	)
	flagParallel  int
	flagDryRun    bool
	flagBuildTemp string
	flagBuildLib  string
	flagVersion   string
)

func targetPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func doBuild(cmd *cobra.Command, args []string) {
	b, err := builder.NewBuilderInDirectory(targetPath(args))
	if err != nil {
		msg.Fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := b.Build(ctx, builder.BuildOptions{
		Debug:     flagProfile.String() == "debug",
		Parallel:  flagParallel,
		DryRun:    flagDryRun,
		BuildTemp: flagBuildTemp,
		BuildLib:  flagBuildLib,
		Version:   flagVersion,
	})
	if err != nil {
		msg.Fatal("%v", err)
	}

	for _, result := range results {
		for _, artifact := range result.Artifacts {
			msg.Step("Finished", "%s", artifact)
		}
	}
	if flagDryRun {
		msg.Step("Configured", "%d extension(s), skipped build", len(results))
	}
}

var rootCmd = &cobra.Command{
	Use:   "pyext [project path]",
	Short: "Build Python extension modules with CMake",
	Long:  `Build the native extension modules of a Python package with CMake. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [project path]",
	Short: "Build the extensions",
	Long:  `Build the extensions. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	addBuildFlags(rootCmd)

	// pyext build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().VarP(flagProfile, "profile", "p", "Build profile, one of "+flagProfile.HelpString())
	cmd.RegisterFlagCompletionFunc("profile", flagProfile.Complete)
	cmd.Flags().IntVarP(&flagParallel, "parallel", "j", 0, "Number of parallel build jobs (0 lets CMake decide)")
	cmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "Configure only, skip the build step")
	cmd.Flags().StringVar(&flagBuildTemp, "build-temp", "", "Directory for intermediate build files")
	cmd.Flags().StringVar(&flagBuildLib, "build-lib", "", "Directory the compiled extensions are placed in")
	cmd.Flags().StringVar(&flagVersion, "version", "", "Version written into the version file during the build")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
