// Command buyorders serves and inspects the escrowed buy order marketplace.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/buyorders/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
