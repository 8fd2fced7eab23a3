package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncsurobotics/libseawolf/internal/hub"
)

var (
	f_config = flag.String("c", "", "path to config file")
)

const banner = "seawolf hub"

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: hub [-h] [-c <config-path>]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig(*f_config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hub: %v\n", err)
		os.Exit(1)
	}

	h, err := hub.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hub: %v\n", err)
		os.Exit(1)
	}

	if err := h.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "hub: %v\n", err)
		os.Exit(1)
	}

	// SIGPIPE is expected on a socket write to a peer that already went
	// away; the send path already treats that as a session close, so the
	// process itself must not die on it (§9).
	signal.Ignore(syscall.SIGPIPE)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	h.Logger().Info("hub started")
	<-shutdown

	h.Logger().Normal("shutdown signal received, draining clients")
	h.Shutdown()
}

// loadConfig resolves the configuration the way §6 describes: an explicit
// -c path if given, otherwise the discovery order ($HOME/.swhubrc, then
// /etc/seawolf_hub.conf); with neither, defaults and a warning.
func loadConfig(path string) (hub.Config, error) {
	if path != "" {
		return hub.LoadConfig(path)
	}

	discovered, ok := hub.DiscoverConfigPath()
	if !ok {
		fmt.Fprintln(os.Stderr, "hub: no config file found, running with defaults")
		return hub.DefaultConfig(), nil
	}

	return hub.LoadConfig(discovered)
}
