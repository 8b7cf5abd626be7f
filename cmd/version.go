// pyext version [path]
package cmd

import (
	"fmt"

	"github.com/qobs-build/pyext/internal/builder"
	"github.com/qobs-build/pyext/internal/msg"
	"github.com/spf13/cobra"
)

func doVersion(cmd *cobra.Command, args []string) {
	b, err := builder.NewBuilderInDirectory(targetPath(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	info, err := b.LoadVersion()
	if err != nil {
		msg.Fatal("%v", err)
	}
	if info == nil {
		msg.Fatal("no version-file configured in [package]")
	}

	pinned, err := b.PinnedVersion(info)
	if err != nil {
		msg.Fatal("%v", err)
	}
	fmt.Println(pinned)
}

var versionCmd = &cobra.Command{
	Use:   "version [project path]",
	Short: "Print the version a build would embed",
	Args:  cobra.MaximumNArgs(1),
	Run:   doVersion,
}

func init() {
	// pyext version subcommand
	rootCmd.AddCommand(versionCmd)
}
