package main

import "github.com/qobs-build/pyext/cmd"

func main() {
	cmd.Execute()
}
