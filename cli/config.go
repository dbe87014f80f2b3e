package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/ka1naas/Research-Engram/config"
	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// options holds values shared by every command.
type options struct {
	configPath string
	logLevel   string
}

// globalFlags returns common flags used across commands with destination options
func globalFlags(opts *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to the YAML configuration file",
			Sources:     cli.EnvVars("ENGRAM_CONFIG"),
			Destination: &opts.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error); overrides the config file",
			Sources:     cli.EnvVars("ENGRAM_LOG_LEVEL"),
			Destination: &opts.logLevel,
		},
	}
}

// userFlags returns the flags naming whose memory a command works on.
func userFlags(userID, scopeID *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID",
			Sources:     cli.EnvVars("ENGRAM_USER"),
			Destination: userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "scope",
			Aliases:     []string{"s"},
			Usage:       "Research idea ID to scope memory to",
			Destination: scopeID,
		},
	}
}

// load reads the configuration and installs the logger. The returned
// context carries the logger.
func (opts *options) load(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return ctx, nil, goerr.Wrap(err, "failed to load config", goerr.V("path", opts.configPath))
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), cfg, nil
}

// setup loads the configuration and builds the components.
func (opts *options) setup(ctx context.Context) (context.Context, *app, error) {
	ctx, cfg, err := opts.load(ctx)
	if err != nil {
		return ctx, nil, err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}
