// Command docstore queries and modifies a docstore database from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/asaidimu/go-docstore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
