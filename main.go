package main

import (
	"os"

	"github.com/andersbakken/konflikt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
