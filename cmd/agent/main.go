package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/dlpagent/internal/agent"
	"github.com/haasonsaas/dlpagent/internal/config"
	"github.com/haasonsaas/dlpagent/internal/retry"
	"github.com/haasonsaas/dlpagent/internal/telemetry"
	"github.com/haasonsaas/dlpagent/internal/transport"
)

var Version = "dev"

const usage = `dlpagent - endpoint data loss prevention agent

Usage:
  dlpagent [flags]

Flags:
  -background, --background, -bg, --bg, bg   suppress console log output
  -h, --help                                  show this help message
`

func main() {
	background, showHelp := parseFlags(os.Args[1:])
	if showHelp {
		fmt.Print(usage)
		return
	}

	configureLogger(background)
	log.Info().Str("version", Version).Msg("dlp agent starting")

	configPath := os.Getenv("AGENT_CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/dlpagent/agent.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.LogDir).Msg("failed to create log directory")
	}
	if err := os.MkdirAll(cfg.VaultDir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.VaultDir).Msg("failed to create vault directory")
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		log.Warn().Err(err).Msg("unrecognized log level, defaulting to info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.SetupTracing(ctx, "dlpagent", Version, os.Getenv("AGENT_OTLP_ENDPOINT"), true, 1.0)
	if err != nil {
		log.Warn().Err(err).Msg("tracing setup failed, continuing without spans")
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracer provider shutdown failed")
			}
		}()
	}

	retrier := retry.New(cfg.RetryInitialMs, cfg.RetryMaxMs, cfg.RetryMaxRetries, log.Logger)
	client := transport.NewHTTPClient(cfg.ServerURL, 30*time.Second, retrier, log.Logger)

	sup := agent.New(cfg, client, log.Logger)
	agent.Version = Version

	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start agent")
	}
	log.Info().Str("agent_id", cfg.AgentID).Str("server", cfg.ServerURL).Msg("agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	sup.Shutdown()
}

// parseFlags implements the spec's exact flag-token list by hand rather
// than flag.Bool, since several tokens ("bg" with no leading dash) are
// not expressible through the standard library's flag parser.
func parseFlags(args []string) (background, help bool) {
	for _, a := range args {
		switch strings.ToLower(a) {
		case "-background", "--background", "-bg", "--bg", "bg":
			background = true
		case "-h", "--help":
			help = true
		}
	}
	return background, help
}

// configureLogger picks JSON output in background mode (no controlling
// terminal to render a console writer against) versus a human-readable
// console writer in the foreground; either way the agent keeps logging
// at InfoLevel until applyLogLevel narrows it per config.
func configureLogger(background bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	if background {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func applyLogLevel(raw string) error {
	if raw == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Logger.Level(level)
	return nil
}
