// Package main prints the shell exports that configure decision-link signing
// for the dispatch service.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/dispatch/internal/platform/config"
	"github.com/louisbranch/dispatch/internal/tools/decisiongrantkey"
)

func main() {
	opts, err := decisiongrantkey.ParseOptions(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exit("decision-grant-key", err)
	}
	config.Exit("decision-grant-key", decisiongrantkey.Run(os.Stdout, nil, opts))
}
