package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

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

	listen := cfg.MilterListen
	if len(listen) == 0 {
		listen = "tcp://127.0.0.1:7357"
	}

	network, address, found := strings.Cut(listen, "://")
	if !found {
		return errors.Errorf("invalid milter_listen %q", listen)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return errors.WithMessage(err, "Listen")
	}

	// closing the listener unlinks the unix socket, if any
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		ln.Close()
	}()

	log.Printf("milter listening at %s://%s", network, address)

	return g.ServeMilter(ln)
}
