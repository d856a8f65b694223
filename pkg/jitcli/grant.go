package jitcli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/internal/build"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/lifecycle"
	"github.com/common-fate/jit/pkg/revocation"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/urfave/cli/v2"
)

var GrantCommand = cli.Command{
	Name:      "grant",
	Usage:     "Provision an approved request and schedule its revocation",
	ArgsUsage: "<request id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		id, err := requestIDArg(c)
		if err != nil {
			return err
		}
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.orchestrator.Grant(c.Context, id)
		if err != nil && !errors.Is(err, revocation.ErrNotScheduled) {
			return grantError(err)
		}
		if c.Bool("json") {
			if jsonErr := printJSON(res); jsonErr != nil {
				return jsonErr
			}
		} else {
			green := color.New(color.Bold, color.FgGreen).SprintfFunc()
			clio.Successf("Granted %s", green(res.GrantName))
			clio.Infof("Access expires at %s (in %s)", res.ExpiresAt.Local().Format("15:04:05 MST"),
				durafmt.Parse(time.Until(res.ExpiresAt).Round(time.Second)).LimitFirstN(2).String())
		}
		if err != nil {
			return clierr.New("The grant is in place but its revocation was not scheduled",
				clierr.Error(err),
				clierr.Infof("Redeliver it with '%s arms retry', or revoke it by hand when access should end", build.BinaryName()))
		}
		return nil
	},
}

func grantError(err error) error {
	var review *lifecycle.NeedsReviewError
	switch {
	case errors.As(err, &review):
		return clierr.New("Provisioning failed part way and needs manual review",
			clierr.Error(err),
			clierr.Infof("Check IAM for a policy named %s on account %s and remove it if it is not attached as expected", review.GrantName, review.AccountID))
	case errors.Is(err, grantstore.ErrUserNotFound):
		return clierr.New("The requester was not found in the identity store", clierr.Error(err))
	case errors.Is(err, grantstore.ErrPermissionSetNotFound):
		return clierr.New("The permission set was not found", clierr.Error(err))
	}
	return requestError("Failed to grant the request", err)
}

var RevokeCommand = cli.Command{
	Name:      "revoke",
	Usage:     "Revoke the grant described by a revocation event",
	ArgsUsage: "<event file, or - for stdin>",
	Action: func(c *cli.Context) error {
		data, err := readEventArg(c)
		if err != nil {
			return err
		}
		ev, err := revocation.ParseEvent(data)
		if err != nil {
			return clierr.New("Invalid revocation event", clierr.Error(err))
		}

		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.orchestrator.Revoke(c.Context, ev.ToolParams)
		if err != nil {
			return clierr.New("Failed to revoke "+ev.ToolParams.GrantName, clierr.Error(err), clierr.Info("Revocation is safe to retry"))
		}
		if res.AlreadyAbsent {
			clio.Infof("%s had already been removed", res.GrantName)
		} else {
			clio.Successf("Revoked %s", res.GrantName)
		}
		if res.RequestID != "" && !res.LedgerUpdated {
			clio.Warnf("Request %s was not marked as revoked", res.RequestID)
		}
		return nil
	},
}

func readEventArg(c *cli.Context) ([]byte, error) {
	path := c.Args().First()
	switch path {
	case "":
		return nil, clierr.New("A revocation event is required", clierr.Info("Pass the path of the event JSON, or - to read it from stdin"))
	case "-":
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
