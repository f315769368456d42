// Package main is the entry point for the zephyr notice tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/zephyr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
