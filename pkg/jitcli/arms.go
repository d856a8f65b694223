package jitcli

import (
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/pkg/db/models"
	"github.com/urfave/cli/v2"
)

var ArmsCommand = cli.Command{
	Name:  "arms",
	Usage: "Inspect and redeliver scheduled revocations",
	Subcommands: []*cli.Command{
		&listArmsCommand,
		&retryArmsCommand,
	},
}

var listArmsCommand = cli.Command{
	Name:  "list",
	Usage: "List revocation arms",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "grant", Usage: "Only list arms for this grant name"},
		&cli.BoolFlag{Name: "pending", Usage: "Only list arms which were never delivered"},
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		var arms []models.RevocationArm
		if c.Bool("pending") {
			arms, err = e.arms.Pending(c.Context)
		} else {
			arms, err = e.arms.List(c.Context, c.String("grant"))
		}
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return printJSON(arms)
		}
		printArms(arms)
		return nil
	},
}

func armState(a models.RevocationArm) string {
	switch {
	case a.Disarmed():
		return "revoked"
	case a.Delivered():
		return "delivered"
	case a.LastError != "":
		return "failing"
	}
	return "pending"
}

func printArms(arms []models.RevocationArm) {
	table := newTable(os.Stdout, []string{"EVENT", "GRANT", "REQUEST", "REVOKE AT", "STATE", "ATTEMPTS", "LAST ERROR"})
	for _, a := range arms {
		table.Append([]string{
			a.EventID,
			a.GrantName,
			a.RequestID,
			a.RevokeAt.Local().Format(time.DateTime),
			armState(a),
			strconv.Itoa(a.Attempts),
			a.LastError,
		})
	}
	table.Render()
}

var retryArmsCommand = cli.Command{
	Name:  "retry",
	Usage: "Redeliver every revocation which was never delivered",
	Action: func(c *cli.Context) error {
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.scheduler.RetryPending(c.Context)
		if err != nil {
			return err
		}
		for _, id := range res.Delivered {
			clio.Successf("Delivered %s", id)
		}
		if len(res.Failed) == 0 {
			if len(res.Delivered) == 0 {
				clio.Info("No undelivered revocations")
			}
			return nil
		}

		ids := make([]string, 0, len(res.Failed))
		for id := range res.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			clio.Errorf("Failed to deliver %s: %s", id, res.Failed[id])
		}
		return clierr.New(strconv.Itoa(len(ids))+" revocations could not be delivered", clierr.Info("Check the revocation webhook URL and retry"))
	},
}
