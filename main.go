package main

import "github.com/qobs-build/syncbuild/cmd"

func main() {
	cmd.Execute()
}
