package main

import (
	"os"

	"github.com/kada-mandiya/analytics/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
