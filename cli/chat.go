package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/ka1naas/Research-Engram/dialogue"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		opts    options
		userID  string
		scopeID string
		mode    string
		paperID string
		global  bool
		save    bool
		asJSON  bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Aliases:     []string{"m"},
			Usage:       "Dialogue mode (chat, update, critique)",
			Value:       string(dialogue.ModeChat),
			Destination: &mode,
		},
		&cli.StringFlag{
			Name:        "paper",
			Usage:       "Paper ID to pin into the context",
			Destination: &paperID,
		},
		&cli.BoolFlag{
			Name:        "global",
			Usage:       "Search memory across all of the user's ideas",
			Destination: &global,
		},
		&cli.BoolFlag{
			Name:        "save",
			Usage:       "Save the exchange as explicit knowledge",
			Destination: &save,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print the full response as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, userFlags(&userID, &scopeID)...)
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "chat",
		Usage:     "Send one message to the assistant",
		ArgsUsage: "<message>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			message := strings.Join(c.Args().Slice(), " ")
			if message == "" {
				return goerr.New("message is required")
			}

			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.dialogue.Respond(ctx, &dialogue.Request{
				UserID:          userID,
				ScopeID:         scopeID,
				Mode:            dialogue.Mode(mode),
				Message:         message,
				GlobalSearch:    global,
				SaveAsKnowledge: save,
				PaperID:         paperID,
			})
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if asJSON {
				return printJSON(w, resp)
			}
			fmt.Fprintln(w, resp.Text)
			if resp.SuggestedIdea != "" {
				fmt.Fprintf(w, "\nSuggested idea:\n%s\n", resp.SuggestedIdea)
			}
			if len(resp.UsedReferences) > 0 {
				fmt.Fprintf(w, "\nReferences: %s\n", strings.Join(resp.UsedReferences, " | "))
			}
			return nil
		},
	}
}
