package main

import (
	"os"

	"omemo/cmd/omemo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
