package main

import "github.com/jmcleod/secsync/cmd/secsync/cmd"

func main() {
	cmd.Execute()
}
