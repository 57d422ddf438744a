package main

import (
	"fmt"
	"os"

	"github.com/raffenmb/buddy-sub000/cmd/buddy/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
