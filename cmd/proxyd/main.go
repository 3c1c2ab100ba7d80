package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/config"
	"github.com/jawr/mailauth/internal/gateway"
)

var (
	configPath = flag.String("config", "/etc/mailauth/mailauth.toml", "path to config file")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return errors.WithMessage(err, "config.Load")
	}

	if len(cfg.Downstream) == 0 {
		return errors.New("proxy requires a downstream server")
	}

	g, err := gateway.New(cfg)
	if err != nil {
		return errors.WithMessage(err, "gateway.New")
	}
	defer g.Close()

	if len(cfg.MetricsListen) > 0 {
		go func() {
			if err := g.Metrics.Serve(cfg.MetricsListen); err != nil {
				log.Printf("metrics: %s", err)
			}
		}()
	}

	listen := cfg.ProxyListen
	if len(listen) == 0 {
		listen = "127.0.0.1:2525"
	}

	log.Printf("proxy listening at %s, relaying to %s", listen, cfg.Downstream)

	if err := g.RunProxy(cfg.Hostname, listen); err != nil {
		return errors.WithMessage(err, "RunProxy")
	}

	return nil
}
