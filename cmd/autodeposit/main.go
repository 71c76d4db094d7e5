// Command autodeposit runs the recurring deposit ledger service and its
// operator tooling.
package main

import (
	"os"

	"github.com/roach88/autodeposit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
