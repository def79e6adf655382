package main

import (
	"os"

	"partyline/cmd/partyline/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
