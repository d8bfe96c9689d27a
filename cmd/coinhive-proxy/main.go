package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PeterWem/coin-hive-stratum/internal/config"
	"github.com/PeterWem/coin-hive-stratum/internal/proxy"
	"github.com/PeterWem/coin-hive-stratum/internal/upstream"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("coinhive-proxy v0.0.1")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	dial, err := upstream.NewDialFunc(cfg.SocksProxy, 10*time.Second)
	if err != nil {
		log.Error("failed to build dialer: %v", err)
		os.Exit(1)
	}

	p := proxy.New(cfg, dial, log)

	go p.PurgeLoop()
	go p.VardiffLoop()
	go p.KeepaliveLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := p.Listen(cfg.Listen); err != nil && err != http.ErrServerClosed {
			log.Error("listen on %s failed: %v", cfg.Listen, err)
			sigCh <- syscall.SIGTERM
		}
	}()

	<-sigCh
	log.Info("shutting down...")
	p.Kill()
	log.Info("shutdown complete")
}
