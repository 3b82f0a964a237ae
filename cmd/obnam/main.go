// Command obnam is the CLI driver around package repo and package
// backup: it turns flags and subcommands into repository operations,
// the Go counterpart of obnam's ObnamPlugin-based command tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
