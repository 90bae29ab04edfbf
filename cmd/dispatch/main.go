// Package main starts the dispatch service process lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	dispatchcmd "github.com/louisbranch/dispatch/internal/cmd/dispatch"
	"github.com/louisbranch/dispatch/internal/platform/config"
)

func main() {
	cfg, err := dispatchcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exit("dispatch", err)
	}
	log.SetPrefix("[DISPATCH] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatchcmd.Run(ctx, cfg); err != nil {
		config.Exit("dispatch", fmt.Errorf("failed to serve: %w", err))
	}
}
