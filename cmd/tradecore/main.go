// Command tradecore runs the trading core: connectors, strategies, order
// tracking and reconciliation, until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"tradecore/internal/engine"
	"tradecore/pkg/config"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/binance"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/mock"
	"tradecore/pkg/exchanges/okx"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Logging)

	database, err := db.New(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()

	connectors, err := buildConnectors(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build connectors")
	}

	core := engine.New(cfg, connectors, database, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := core.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	core.Stop()
}

func buildLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// buildConnectors instantiates one adapter per enabled exchange. Dry-run
// swaps every venue for the in-memory mock so nothing reaches a real
// exchange.
func buildConnectors(cfg *config.Config, log zerolog.Logger) (map[string]common.Connector, error) {
	out := make(map[string]common.Connector)
	for name, ec := range cfg.Exchanges {
		if !ec.Enabled {
			continue
		}
		if cfg.Engine.DryRun {
			out[name] = mock.New(name)
			continue
		}
		switch name {
		case "binance":
			out[name] = binance.New(binance.Config{
				APIKey:    ec.APIKey,
				APISecret: ec.APISecret,
				Testnet:   ec.Testnet,
			}, log)
		case "okx":
			out[name] = okx.New(okx.Config{
				APIKey:     ec.APIKey,
				APISecret:  ec.APISecret,
				Passphrase: ec.Passphrase,
				Simulated:  ec.Testnet,
			}, log)
		default:
			return nil, fmt.Errorf("unknown exchange %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no exchanges enabled")
	}
	return out, nil
}
