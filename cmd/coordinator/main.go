package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/campusgrid/campusgrid/config"
	"github.com/campusgrid/campusgrid/engine"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/signaler"
)

const banner = `
                                                      _     _
  ___ __ _ _ __ ___  _ __  _   _ ___  __ _ _ __ (_) __| |
 / __/ _' | '_ ' _ \| '_ \| | | / __|/ _' | '__|| |/ _' |
| (_| (_| | | | | | | |_) | |_| \__ \ (_| | |   | | (_| |
 \___\__,_|_| |_| |_| .__/ \__,_|___/\__, |_|   |_|\__,_|
                    |_|              |___/
`

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "campus compute exchange coordinator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "admin",
				Usage: "create a coordinator account with this username on first start",
			},
			&cli.StringFlag{
				Name:  "admin-password",
				Usage: "password for the created coordinator account",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if err := log.SetupGlobalLogger(&cfg.Logging); err != nil {
		return err
	}
	fmt.Print(banner)

	c, err := engine.New(cfg)
	if err != nil {
		return err
	}

	if admin := ctx.String("admin"); admin != "" {
		if err := c.Bootstrap(ctx.Context, admin, ctx.String("admin-password")); err != nil {
			return err
		}
	}

	if err := c.Start(); err != nil {
		return err
	}

	sig := <-signaler.WaitForInterrupt()
	log.Infof(log.Coordinator, "Captured %v, shutting down", sig)
	return c.Stop()
}
