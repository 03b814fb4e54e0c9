package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"carlink/internal/bootstrap"
	"carlink/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[cfg] no .env file loaded: %v", err)
	}

	cfgPath := flag.String("config", "", "path to carlink.yml (default $CARLINK_CONFIG or "+config.DefaultPath+")")
	verbose := flag.Bool("v", false, "per-packet debug logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *verbose {
		cfg.Verbose = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Printf("[cfg] control=%s video=%s camera=%q uart=%v", cfg.Radio.ControlAddr, cfg.Video.UDPAddr, cfg.Video.Command, cfg.UART.Enabled)

	if err := bootstrap.RunRadio(ctx, cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
