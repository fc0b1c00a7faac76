package main

import (
	"os"

	"keyferry/cmd/keyferry/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
