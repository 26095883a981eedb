package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/faciet/faciet"
	"github.com/faciet/faciet/config"
)

// NewApp assembles the process with Uber Fx: configuration, logger, runtime
// and the echo service. The runtime is returned alongside the app because
// its Start blocks and is driven by the CLI action, not an fx hook.
func NewApp(cfg *config.Config, v *viper.Viper) (*fx.App, *faciet.Runtime) {
	var rt *faciet.Runtime
	app := fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *viper.Viper { return v },
			ProvideLogger,
			ProvideRuntime,
		),
		fx.Invoke(
			WatchConfig,
			RegisterEcho,
		),
		fx.Populate(&rt),
		fx.NopLogger,
	)
	return app, rt
}

// ProvideLogger builds the process logger; verbose mode lowers the handler
// to debug, and the level var stays adjustable for config hot-reload.
func ProvideLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, level
}

// ProvideRuntime builds the reactor runtime from the configuration.
func ProvideRuntime(cfg *config.Config, logger *slog.Logger) *faciet.Runtime {
	return faciet.New(faciet.Options{
		Threads: cfg.Threads,
		Workers: cfg.Workers,
		Logger:  logger,
	})
}

// WatchConfig arms config-file hot reload for the log level.
func WatchConfig(v *viper.Viper, level *slog.LevelVar, logger *slog.Logger) {
	config.WatchVerbose(v, level, logger)
}
