package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/signaler"
	"github.com/campusgrid/campusgrid/worker"
)

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "campus compute exchange worker daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
			},
			&cli.StringFlag{
				Name:     "coordinator",
				Usage:    "coordinator worker port, host:port",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "name this machine registers under",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "owner-token",
				Usage: "username credited for completed jobs; omit to donate compute",
			},
			&cli.BoolFlag{
				Name:  "no-sandbox",
				Usage: "skip Docker and run jobs as restricted subprocesses",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.LoadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}
	if err := log.SetupGlobalLogger(&cfg.Logging); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	c, err := worker.New(ctx, cfg, worker.Options{
		Coordinator: cliCtx.String("coordinator"),
		Name:        cliCtx.String("name"),
		OwnerToken:  cliCtx.String("owner-token"),
		NoSandbox:   cliCtx.Bool("no-sandbox"),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case sig := <-signaler.WaitForInterrupt():
		log.Infof(log.WorkerMgr, "Captured %v, shutting down", sig)
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
