package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "karmad",
		Usage:   "mail reputation daemon (scores SMTP sessions)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"KARMAD_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for reputation records and the result stream; empty runs in-memory",
			EnvVars: []string{"KARMAD_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to YAML rule and policy configuration",
			EnvVars: []string{"KARMAD_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"KARMAD_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "session-cache-size",
			Usage:   "max concurrently tracked sessions",
			Value:   10_000,
			EnvVars: []string{"KARMAD_SESSION_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "session-idle-ttl",
			Usage:   "idle sessions are finalized after this long without a result",
			Value:   30 * time.Minute,
			EnvVars: []string{"KARMAD_SESSION_IDLE_TTL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cctx.String("log-level")),
		}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := NewServer(Config{
			RedisURL:         cctx.String("redis-url"),
			ConfigPath:       cctx.String("config"),
			SessionCacheSize: cctx.Int("session-cache-size"),
			SessionIdleTTL:   cctx.Duration("session-idle-ttl"),
			Logger:           logger,
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run karma service: %w", err)
		}
		return nil
	},
}

func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
