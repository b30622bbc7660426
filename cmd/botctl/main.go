// Package main runs the botctl administrative CLI.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	botctlcmd "github.com/botfleet/botfleet/internal/cmd/botctl"
)

func main() {
	log.SetPrefix("[BOTCTL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := botctlcmd.Run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("botctl: %v", err)
	}
}
