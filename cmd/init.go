// pyext init [name]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/pyext/internal/builder"
	"github.com/qobs-build/pyext/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	} else {
		msg.Warn("%s already exists, leaving it alone", filepath.ToSlash(path))
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "pyext"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// configTemplate returns a starter pyext.toml for the package name
func configTemplate(name string) string {
	return `[package]
name = "` + name + `"
version-file = "` + name + `/version.py"

[extensions]
"` + name + `._C" = "."

[cmake]
defines = {}

[cmake.'target_os == "windows" && target_arch == "amd64"']
args = ["-A", "x64"]

[build]
build-temp = "build/temp"
build-lib = "build/lib"
`
}

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a " + builder.ConfigFilename + " in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		writefile(configTemplate(args[0]), ".", builder.ConfigFilename)

		// .gitignore
		writefile("build/\n", ".", ".gitignore")

		programName := getProgramName()
		fmt.Printf("You can now do %s to build, or %s before a release.\n",
			color.HiCyanString(programName), color.HiCyanString(programName+" stamp-release"))
	},
}

func init() {
	// pyext init subcommand
	rootCmd.AddCommand(initCmd)
}
