// Package main is the entry point for the kpanic kernel panic receiver.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/kpanic/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
