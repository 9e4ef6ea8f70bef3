package main

import (
	"os"

	"github.com/bhardwajRahul/lemonade/cmd/lemonade/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
