package cli

import (
	"context"

	"github.com/ka1naas/Research-Engram/ingest"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	var (
		opts    options
		userID  string
		scopeID string
		file    string
		paperID string
		title   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Path to the extracted paper text",
			Destination: &file,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Paper ID (default: file name without extension)",
			Destination: &paperID,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Paper title (default: file name)",
			Destination: &title,
		},
	}
	flags = append(flags, userFlags(&userID, &scopeID)...)
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Analyze a paper and store its summary and limitations",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			paper, err := ingest.ReadFile(file)
			if err != nil {
				return err
			}
			paper.OwnerID = userID
			paper.ScopeID = scopeID
			if paperID != "" {
				paper.ID = paperID
			}
			if title != "" {
				paper.Title = title
			}

			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			analysis, err := a.ingester.Ingest(ctx, paper)
			if err != nil {
				return err
			}
			return printJSON(c.Root().Writer, struct {
				PaperID string `json:"paper_id"`
				*ingest.Analysis
			}{paper.ID, analysis})
		},
	}
}
