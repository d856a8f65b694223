package jitcli

import (
	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/urfave/cli/v2"
)

var DBCommand = cli.Command{
	Name:  "db",
	Usage: "Manage the jit database",
	Subcommands: []*cli.Command{
		{
			Name:  "migrate",
			Usage: "Create or update the database schema",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				db, err := openDB(c.Context, cfg)
				if err != nil {
					return err
				}
				defer bunx.Close(db)
				clio.Successf("The %s database is up to date", bunx.DetectDatabaseType(cfg.DatabaseURL))
				return nil
			},
		},
	},
}
