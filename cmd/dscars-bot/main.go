// Command dscars-bot plays DS Cars against a matchmaking server without a
// game UI. It is handy for load testing a server or for giving a lone
// player an opponent.
//
// Usage:
//
//	dscars-bot --host localhost --port 24816 --map Easy --bots 2
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/dscars/game/config"
	"github.com/wricardo/dscars/game/protocol"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "dscars-bot",
		Usage:  "headless DS Cars player",
		Writer: stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/dscars.yml",
				Usage:   "settings file providing the bot defaults",
				Sources: cli.EnvVars("DSCARS_CONFIG"),
			},
			&cli.StringFlag{Name: "host", Usage: "server host"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "server port"},
			&cli.StringFlag{Name: "map", Aliases: []string{"m"}, Usage: "map to race on"},
			&cli.IntFlag{Name: "car", Usage: "car design index"},
			&cli.DurationFlag{Name: "interval", Usage: "time between status updates"},
			&cli.IntFlag{Name: "updates", Usage: "status updates to send before leaving"},
			&cli.BoolFlag{Name: "crash", Usage: "report a crash instead of leaving quietly"},
			&cli.IntFlag{Name: "bots", Value: 1, Usage: "bots to run at once"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: run,
	}
}

// botConfig merges the settings file with the command line
func botConfig(settings config.Settings, cmd *cli.Command) BotConfig {
	cfg := BotConfig{
		Host:     settings.Bot.Host,
		Port:     settings.Bot.Port,
		Map:      settings.Bot.Map,
		Car:      settings.Bot.Car,
		Interval: settings.Bot.UpdateInterval,
		Updates:  settings.Bot.Updates,
		Crash:    cmd.Bool("crash"),
	}

	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("map") {
		cfg.Map = cmd.String("map")
	}
	if cmd.IsSet("car") {
		cfg.Car = int(cmd.Int("car"))
	}
	if cmd.IsSet("interval") {
		cfg.Interval = cmd.Duration("interval")
	}
	if cmd.IsSet("updates") {
		cfg.Updates = int(cmd.Int("updates"))
	}
	return cfg
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	manager, err := config.NewManager(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings := manager.Get()

	cfg := botConfig(settings, cmd)
	if !settings.IsKnownMap(cfg.Map) {
		logger.Warn("map is not in the configured list", "map", cfg.Map, "maps", settings.Maps)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}

	codec, err := protocol.CodecByName(settings.Server.Codec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bots := int(cmd.Int("bots"))
	if bots < 1 {
		bots = 1
	}

	results := make([]*Result, bots)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < bots; i++ {
		botCfg := cfg
		botCfg.Car = cfg.Car + i
		bot := NewBot(botCfg, codec, logger.With("bot", i+1))
		g.Go(func() error {
			res, err := bot.Run(ctx)
			if err != nil {
				return fmt.Errorf("bot %d: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.Root().Writer
	for i, res := range results {
		fmt.Fprintf(out, "bot %d: match on %s slot %d, sent %d, received %d, %s in %s\n",
			i+1, res.Match.MapName, res.Match.AssignedSlot, res.Sent, res.Received, res.Outcome, res.Duration.Round(time.Millisecond))
	}
	return nil
}
