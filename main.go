package main

import "github.com/open-feature/flagsync/cmd"

func main() {
	cmd.Execute()
}
