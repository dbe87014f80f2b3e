package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func critiqueCommand() *cli.Command {
	var (
		opts    options
		userID  string
		scopeID string
		asJSON  bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print the full report as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, userFlags(&userID, &scopeID)...)
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "critique",
		Usage:     "Search stored critiques for evidence against a claim",
		ArgsUsage: "<claim>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			claim := strings.Join(c.Args().Slice(), " ")
			if claim == "" {
				return goerr.New("claim is required")
			}

			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.critic.Critique(ctx, claim, &memory.Filter{OwnerID: userID, ScopeID: scopeID})
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(c.Root().Writer, report)
			}
			fmt.Fprintln(c.Root().Writer, report.Narrative)
			return nil
		},
	}
}
