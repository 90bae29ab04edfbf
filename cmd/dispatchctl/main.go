// Package main inspects and drives a running dispatch service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/louisbranch/dispatch/internal/platform/config"
	"github.com/louisbranch/dispatch/internal/tools/dispatchctl"
)

func main() {
	cfg, err := dispatchctl.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exit("dispatchctl", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.Exit("dispatchctl", dispatchctl.Run(ctx, cfg, http.DefaultClient, color.Output))
}
