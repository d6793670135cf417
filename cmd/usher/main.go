package main

import (
	"fmt"
	"os"

	"github.com/ushercli/usher/cmd/usher/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
