package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/BrandonDHaskell/vguard/internal/config"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "vguard",
		Usage: "Visitor gate server with face and QR dual authentication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("VGUARD_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			visitorCommand(),
			visitCommand(),
			qrCommand(),
			alertsCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, "vguard:", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration from the root --config flag.
func loadConfig(c *cli.Command) (config.Config, error) {
	return config.Load(c.String("config"))
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("service", "vguard", "env", cfg.Env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
