package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

func consolidateCommand() *cli.Command {
	var (
		opts   options
		userID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Consolidate only this user (default: every user)",
			Destination: &userID,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:  "consolidate",
		Usage: "Run a consolidation pass over recent memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if userID != "" {
				res, err := a.consolidator.Run(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(c.Root().Writer, res)
			}

			report, err := a.consolidator.RunAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, report)
		},
	}
}
