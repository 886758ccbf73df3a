package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	hexbagcmd "github.com/notanend/hexbag/internal/cmd/hexbag"
)

func main() {
	cfg, err := hexbagcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HEXBAG] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hexbagcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
