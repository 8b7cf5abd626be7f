// pyext stamp-release [path]
package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/pyext/internal/builder"
	"github.com/qobs-build/pyext/internal/msg"
	"github.com/spf13/cobra"
)

var stampDryRun bool

func doStampRelease(cmd *cobra.Command, args []string) {
	b, err := builder.NewBuilderInDirectory(targetPath(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	path, err := b.VersionFile()
	if err != nil {
		msg.Fatal("%v", err)
	}

	diff, err := b.StampRelease(stampDryRun)
	if err != nil {
		msg.Fatal("failed to stamp release: %v", err)
	}
	if !stampDryRun {
		msg.Step("Stamped", "%s", path)
		return
	}

	if diff == "" {
		msg.Info("%s is already marked as released", path)
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		if line[0] == '-' {
			fmt.Println(color.RedString("%s", line))
		} else {
			fmt.Println(color.GreenString("%s", line))
		}
	}
}

var stampCmd = &cobra.Command{
	Use:   "stamp-release [project path]",
	Short: "Mark the version file as released",
	Long:  `Set the release marker of the configured version file to True. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doStampRelease,
}

func init() {
	// pyext stamp-release subcommand
	rootCmd.AddCommand(stampCmd)
	stampCmd.Flags().BoolVarP(&stampDryRun, "dry-run", "n", false, "Print the change instead of writing it")
}
