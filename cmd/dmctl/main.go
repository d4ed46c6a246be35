package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/whisper/friendchat/internal/app"
	"github.com/whisper/friendchat/internal/config"
	"github.com/whisper/friendchat/internal/logging"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyApp
)

func getConfig(ctx *cli.Context) config.Config {
	return ctx.Context.Value(contextKeyConfig).(config.Config)
}

func getApp(ctx *cli.Context) *app.App {
	return ctx.Context.Value(contextKeyApp).(*app.App)
}

func loadConfig(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

// requiresApp connects every component before a command runs.
func requiresApp(ctx *cli.Context) error {
	if err := loadConfig(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	log := zerolog.Nop()
	if ctx.Bool("verbose") {
		log = logging.New(cfg.LogLevel, true)
	}
	a, err := app.Build(ctx.Context, cfg, log)
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyApp, a)
	return nil
}

func closeApp(ctx *cli.Context) error {
	if a, ok := ctx.Context.Value(contextKeyApp).(*app.App); ok {
		a.Close()
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArgs(ctx *cli.Context, names ...string) error {
	if ctx.NArg() < len(names) {
		return fmt.Errorf("usage: %s %s", ctx.Command.Name, ctx.Command.ArgsUsage)
	}
	return nil
}

func main() {
	cliApp := &cli.App{
		Name:    "dmctl",
		Usage:   "Administer friendchat friend lists and conversations",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log component activity to stderr",
			},
		},
		Commands: []*cli.Command{
			migrateCommand,
			addUserCommand,
			addFriendCommand,
			removeFriendCommand,
			friendsCommand,
			sendCommand,
			markReadCommand,
			conversationsCommand,
			messagesCommand,
			matchContactsCommand,
			sessionsCommand,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
