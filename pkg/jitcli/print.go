package jitcli

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/common-fate/jit/pkg/ledger"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/olekukonko/tablewriter"
)

var jsonFlagUsage = "Print JSON instead of a table"

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

// humanTTL renders a TTL such as "90m" as "1 hour 30 minutes". Unparseable
// values are shown as they are.
func humanTTL(ttl string) string {
	d, err := ledger.ParseTTL(ttl)
	if err != nil {
		return ttl
	}
	return durafmt.Parse(d).LimitFirstN(2).String()
}

var statusColors = map[ledger.Status]*color.Color{
	ledger.StatusPending:  color.New(color.FgYellow),
	ledger.StatusApproved: color.New(color.FgGreen),
	ledger.StatusRejected: color.New(color.FgRed),
	ledger.StatusRevoked:  color.New(color.Faint),
}

func colorStatus(s ledger.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

func target(r ledger.Request) string {
	if r.Target.PermissionSetName != "" {
		return r.Target.AccountID + "/" + r.Target.PermissionSetName
	}
	return r.Target.AccountID + "/" + strings.Join(r.Target.Buckets, ",")
}

// printRequests writes requests as a table to stdout.
func printRequests(requests []ledger.Request) {
	table := newTable(os.Stdout, []string{"ID", "REQUESTER", "TOOL", "TARGET", "TTL", "STATUS", "CREATED"})
	for _, r := range requests {
		table.Append([]string{
			r.ID,
			r.Requester.Email,
			r.ToolName,
			target(r),
			humanTTL(r.TTL),
			colorStatus(r.Status),
			r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	table.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
