package main

import (
	"os"

	"github.com/osgrep/osgrep/cmd/osgrep/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
