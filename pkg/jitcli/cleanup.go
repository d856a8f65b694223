package jitcli

import (
	"sort"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/urfave/cli/v2"
)

var CleanupCommand = cli.Command{
	Name:  "cleanup",
	Usage: "Remove every JIT policy left attached for a requester",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Usage: "The requester whose policies are removed", Required: true},
		&cli.StringFlag{Name: "purpose", Usage: "Only remove policies with this purpose tag", Value: ledger.DefaultPurpose},
		&cli.StringSliceFlag{Name: "role", Usage: "Also clean up this IAM role"},
		&cli.BoolFlag{Name: "skip-user", Usage: "Don't clean up the requester's IAM user"},
	},
	Action: func(c *cli.Context) error {
		email := c.String("email")

		var principals []grantstore.Principal
		if !c.Bool("skip-user") {
			principals = append(principals, grantstore.Principal{Kind: grantstore.PrincipalUser, Name: email})
		}
		for _, role := range c.StringSlice("role") {
			principals = append(principals, grantstore.Principal{Kind: grantstore.PrincipalRole, Name: role})
		}
		if len(principals) == 0 {
			return clierr.New("Nothing to clean up", clierr.Info("Pass --role or drop --skip-user"))
		}

		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.direct.CleanupForUsers(c.Context, principals, c.String("purpose"), email)
		for _, name := range res.Removed {
			clio.Successf("Removed %s", name)
			if err := e.scheduler.Disarm(c.Context, name); err != nil {
				clio.Warnf("Removed %s but could not disarm its revocation: %s", name, err)
			}
		}
		if err != nil {
			return err
		}
		if res.OK() {
			if len(res.Removed) == 0 {
				clio.Infof("No JIT policies found for %s", email)
			}
			return nil
		}

		failed := make([]string, 0, len(res.Failed))
		for name := range res.Failed {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		for _, name := range failed {
			clio.Errorf("Failed to remove %s: %s", name, res.Failed[name])
		}
		return clierr.New("Some policies could not be removed", clierr.Error(res.Err()), clierr.Info("Cleanup is safe to run again"))
	},
}
