package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/host"
	"github.com/danmuck/hostlink/internal/observability"
)

func main() {
	path := flag.String("config", "", "path to hostlink.toml (defaults apply when empty)")
	transport := flag.String("transport", "", "override link transport: socket|spi")
	flag.Parse()

	logger := observability.InitLogger("hostlinkd")

	cfg, err := loadConfig(*path, *transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostlinkd: %v\n", err)
		os.Exit(1)
	}
	logger.Info().
		Str("transport", cfg.Link.Transport).
		Str("socket", cfg.Link.SocketPath).
		Str("status_addr", cfg.Host.StatusAddr).
		Bool("tap", cfg.Tap.Enabled()).
		Msg("starting")

	svc := host.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hostlinkd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, transport string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if transport != "" {
		cfg.Link.Transport = transport
		if err := config.Validate(cfg); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}
