package main

import (
	"os"

	"tool_broker/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(cli.OpenFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
