package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ka1naas/Research-Engram/consolidation"
	"github.com/ka1naas/Research-Engram/server"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	var (
		opts        options
		httpAddr    string
		grpcAddr    string
		noScheduler bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "http-addr",
			Usage:       "HTTP listen address; overrides server.http_addr",
			Sources:     cli.EnvVars("ENGRAM_HTTP_ADDR"),
			Destination: &httpAddr,
		},
		&cli.StringFlag{
			Name:        "grpc-addr",
			Usage:       "gRPC health listen address; overrides server.grpc_addr",
			Sources:     cli.EnvVars("ENGRAM_GRPC_ADDR"),
			Destination: &grpcAddr,
		},
		&cli.BoolFlag{
			Name:        "no-scheduler",
			Usage:       "Do not run periodic consolidation",
			Destination: &noScheduler,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP and websocket API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx, a, err := opts.setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if httpAddr == "" {
				httpAddr = a.cfg.Server.HTTPAddr
			}
			if grpcAddr == "" {
				grpcAddr = a.cfg.Server.GRPCAddr
			}

			srv := server.New(a.dialogue, a.critic, a.ingester, a.consolidator,
				server.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
			)

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return srv.Run(ctx, httpAddr, grpcAddr)
			})
			if !noScheduler {
				eg.Go(func() error {
					return consolidation.NewScheduler(a.consolidator, a.cfg.Consolidation.Interval).Run(ctx)
				})
			}
			return eg.Wait()
		},
	}
}
