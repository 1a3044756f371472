// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"livepv/cmd"
	"livepv/internal/log"
	"livepv/pkg/build"
)

// main runs the command line until it returns or a signal arrives. The
// first SIGINT/SIGTERM starts the graceful shutdown (fade out, drain, stop
// the device). A second one exits immediately.
func main() {
	if err := build.Initialize(); err != nil {
		log.Debugf("development build: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
		again := make(chan os.Signal, 1)
		signal.Notify(again, os.Interrupt, syscall.SIGTERM)
		<-again
		log.Fatalf("playback aborted")
	}()

	if err := cmd.Execute(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
