package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "winexec:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
