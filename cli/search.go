package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/ka1naas/Research-Engram/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		opts    options
		userID  string
		scopeID string
		role    string
		limit   int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of traces to return",
			Value:       5,
			Destination: &limit,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "Only return traces with this role",
			Destination: &role,
		},
	}
	flags = append(flags, userFlags(&userID, &scopeID)...)
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Search a user's memory traces",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if query == "" {
				return goerr.New("query is required")
			}

			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := &memory.Filter{OwnerID: userID, ScopeID: scopeID, Role: memory.Role(role)}
			hits, err := a.store.Search(ctx, query, int(limit), filter, a.store.Config().DistanceThreshold)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, h := range hits {
				fmt.Fprintf(w, "%.3f  %s  [%s]\n  %s\n", h.Distance, h.ID, h.Metadata[memory.KeyRole], memory.Preview(h.Content, 120))
			}
			if len(hits) == 0 {
				fmt.Fprintln(w, "no matching traces")
			}
			return nil
		},
	}
}
