package jitcli

import (
	"errors"
	"strings"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/urfave/cli/v2"
)

var RequestsCommand = cli.Command{
	Name:  "requests",
	Usage: "Look up recorded access requests",
	Subcommands: []*cli.Command{
		&getRequestCommand,
		&listRequestsCommand,
		&searchRequestsCommand,
	},
}

var getRequestCommand = cli.Command{
	Name:      "get",
	Usage:     "Show one request",
	ArgsUsage: "<request id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		id, err := requestIDArg(c)
		if err != nil {
			return err
		}
		l, closeLedger, err := openLedger(c)
		if err != nil {
			return err
		}
		defer closeLedger()

		r, err := l.Get(c.Context, id)
		if err != nil {
			return requestError("Failed to get the request", err)
		}
		if c.Bool("json") {
			return printJSON(r)
		}
		printRequests([]ledger.Request{r})
		return nil
	},
}

var listRequestsCommand = cli.Command{
	Name:  "list",
	Usage: "List requests, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Usage: "Only list requests made by this requester"},
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		l, closeLedger, err := openLedger(c)
		if err != nil {
			return err
		}
		defer closeLedger()

		var requests []ledger.Request
		if email := c.String("email"); email != "" {
			requests, err = l.ListByUser(c.Context, email)
		} else {
			requests, err = l.Search(c.Context, ledger.Filter{})
		}
		if err != nil {
			return err
		}
		return outputRequests(c, requests)
	},
}

var searchRequestsCommand = cli.Command{
	Name:  "search",
	Usage: "Search requests. Every filter given must match",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status", Usage: "pending, approved, rejected or revoked"},
		&cli.StringFlag{Name: "tool-name", Usage: "Case-insensitive substring of the tool name"},
		&cli.StringFlag{Name: "email", Usage: "Requester email"},
		&cli.StringFlag{Name: "group", Usage: "A group the requester belonged to"},
		&cli.StringFlag{Name: "created-after", Usage: "Only requests created at or after this date or time"},
		&cli.StringFlag{Name: "created-before", Usage: "Only requests created at or before this date or time"},
		&cli.BoolFlag{Name: "json", Usage: jsonFlagUsage},
	},
	Action: func(c *cli.Context) error {
		f, err := ledger.ParseFilter(ledger.RawFilter{
			Status:        c.String("status"),
			ToolName:      c.String("tool-name"),
			UserEmail:     c.String("email"),
			Group:         c.String("group"),
			CreatedAfter:  c.String("created-after"),
			CreatedBefore: c.String("created-before"),
		})
		if errors.Is(err, ledger.ErrInvalidFilter) {
			return clierr.New("Invalid search filter", clierr.Error(err), clierr.Info("--status must be one of pending, approved, rejected or revoked"))
		}
		if err != nil {
			return err
		}
		if len(f.Ignored) > 0 {
			clio.Warnf("Searching without %s", strings.Join(f.Ignored, ", "))
		}

		l, closeLedger, err := openLedger(c)
		if err != nil {
			return err
		}
		defer closeLedger()

		requests, err := l.Search(c.Context, f)
		if err != nil {
			return err
		}
		return outputRequests(c, requests)
	},
}

func outputRequests(c *cli.Context, requests []ledger.Request) error {
	if c.Bool("json") {
		return printJSON(requests)
	}
	if len(requests) == 0 {
		clio.Info("No requests found")
		return nil
	}
	printRequests(requests)
	return nil
}
