package main

import (
	"fmt"
	"os"

	"github.com/attache-ai/attache/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitGenericError)
	}
}
