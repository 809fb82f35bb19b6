package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quayside/stackpilot/internal/cmd"
)

func main() {
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(cmd.Execute(ctx))
}
