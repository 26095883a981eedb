package cmd

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/faciet/faciet/config"
)

const (
	ServiceName = "faciet"
)

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

// Run is the CLI entrypoint: a reference server exposing the framework's
// echo service over the configured listener.
func Run(args []string) error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Evented socket framework reference server",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	return app.Run(args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the echo server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Aliases: []string{"b"},
				Usage:   "Listen URL (tcp://host:port, unix:///path, or a bare port)",
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen port when no URL is given",
			},
			&cli.IntFlag{
				Name:    "threads",
				Aliases: []string{"t"},
				Usage:   "Task threads per process",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Worker processes (negative = fraction of cores)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "Debug logging",
			},
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, v, err := config.Load(c.String("config_file"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			// Flags win over file and environment.
			if c.IsSet("bind") {
				cfg.Bind = c.String("bind")
			}
			if c.IsSet("port") {
				cfg.Port = c.String("port")
			}
			if c.IsSet("threads") {
				cfg.Threads = c.Int("threads")
			}
			if c.IsSet("workers") {
				cfg.Workers = c.Int("workers")
			}
			if c.IsSet("verbose") {
				cfg.Verbose = c.Bool("verbose")
			}

			app, rt := NewApp(cfg, v)
			if err := app.Start(c.Context); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			// Blocks until SIGINT/SIGTERM or a fatal bind error.
			runErr := rt.Start()

			if err := app.Stop(context.Background()); err != nil {
				slog.Error("fx stop failed", "err", err)
			}
			if runErr != nil {
				return cli.Exit(runErr.Error(), 1)
			}
			return nil
		},
	}
}
