package main

import (
	"os"

	"github.com/seawolf-auv/swhub/cmd/swhub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
