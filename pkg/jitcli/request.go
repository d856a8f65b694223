package jitcli

import (
	"errors"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/internal/build"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/common-fate/jit/pkg/policytemplate"
	"github.com/urfave/cli/v2"
)

var RequestCommand = cli.Command{
	Name:  "request",
	Usage: "Submit and review access requests",
	Subcommands: []*cli.Command{
		&submitCommand,
		&approveCommand,
		&rejectCommand,
	},
}

var submitCommand = cli.Command{
	Name:  "submit",
	Usage: "Record a new access request",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Usage: "The requester's email", Required: true},
		&cli.StringSliceFlag{Name: "group", Usage: "A group the requester belongs to"},
		&cli.StringFlag{Name: "account", Usage: "The AWS account ID", Required: true},
		&cli.StringFlag{Name: "ttl", Usage: "How long access lasts, such as 1h or 30m", Value: "1h"},
		&cli.StringFlag{Name: "template", Usage: "Policy template for a direct attachment grant"},
		&cli.StringSliceFlag{Name: "bucket", Usage: "S3 bucket covered by the policy"},
		&cli.StringFlag{Name: "purpose", Usage: "Purpose tag of the grant", Value: ledger.DefaultPurpose},
		&cli.StringFlag{Name: "role", Usage: "Attach the policy to this IAM role instead of the requester's IAM user"},
		&cli.StringFlag{Name: "permission-set", Usage: "Permission set for an IAM Identity Center grant"},
		&cli.StringFlag{Name: "id", Usage: "Request ID, generated when omitted"},
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		t, err := targetFromFlags(c)
		if err != nil {
			return err
		}

		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		r, err := e.orchestrator.Submit(c.Context, ledger.Request{
			ID:        c.String("id"),
			Requester: ledger.Requester{Email: c.String("email"), Groups: c.StringSlice("group")},
			Target:    t,
			TTL:       c.String("ttl"),
		})
		if err != nil {
			return requestError("Failed to submit the request", err)
		}
		if c.Bool("json") {
			return printJSON(r)
		}
		clio.Successf("Submitted request %s for %s", r.ID, r.ToolName)
		return nil
	},
}

func targetFromFlags(c *cli.Context) (ledger.Target, error) {
	t := ledger.Target{AccountID: c.String("account")}

	if ps := c.String("permission-set"); ps != "" {
		if c.IsSet("template") || c.IsSet("bucket") || c.IsSet("role") {
			return t, clierr.New("--permission-set can't be combined with --template, --bucket or --role")
		}
		t.Kind = grantstore.KindSSOAssignment
		t.PermissionSetName = ps
		return t, nil
	}

	if c.String("template") == "" {
		return t, clierr.New("Either --template or --permission-set is required",
			clierr.Infof("Available templates: %v", policytemplate.NewCatalog().Names()))
	}
	t.Kind = grantstore.KindDirectAttachment
	t.PolicyTemplate = c.String("template")
	t.Buckets = c.StringSlice("bucket")
	t.Purpose = c.String("purpose")
	if role := c.String("role"); role != "" {
		t.Principal = &grantstore.Principal{Kind: grantstore.PrincipalRole, Name: role}
	}
	return t, nil
}

var approveCommand = cli.Command{
	Name:      "approve",
	Usage:     "Approve a pending request",
	ArgsUsage: "<request id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "ttl", Usage: "Replace the requested TTL"},
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

		r, err := e.orchestrator.Approve(c.Context, id, c.String("ttl"))
		if err != nil {
			return requestError("Failed to approve the request", err)
		}
		clio.Successf("Approved request %s for %s (%s)", r.ID, humanTTL(r.TTL), r.ToolName)
		return nil
	},
}

var rejectCommand = cli.Command{
	Name:      "reject",
	Usage:     "Reject a pending request",
	ArgsUsage: "<request id>",
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

		r, err := e.orchestrator.Reject(c.Context, id)
		if err != nil {
			return requestError("Failed to reject the request", err)
		}
		clio.Successf("Rejected request %s", r.ID)
		return nil
	},
}

func requestIDArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", clierr.New("A request ID is required", clierr.Infof("Usage: %s", c.Command.HelpName+" "+c.Command.ArgsUsage))
	}
	return id, nil
}

// requestError adds a hint for the ledger errors a user can act on.
func requestError(msg string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return clierr.New(msg, clierr.Error(err), clierr.Infof("List requests with '%s requests list'", build.BinaryName()))
	case errors.Is(err, ledger.ErrConflict):
		return clierr.New(msg, clierr.Error(err), clierr.Infof("The request is not in a state which allows this, check it with '%s requests get'", build.BinaryName()))
	case errors.Is(err, ledger.ErrInvalid), errors.Is(err, grantstore.ErrUnknownStrategy), errors.Is(err, policytemplate.ErrUnknownTemplate):
		return clierr.New(msg, clierr.Error(err))
	}
	return err
}
