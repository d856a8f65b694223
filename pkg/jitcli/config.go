package jitcli

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/config"
	"github.com/urfave/cli/v2"
)

var ConfigCommand = cli.Command{
	Name:  "config",
	Usage: "Show jit settings",
	Subcommands: []*cli.Command{
		&printConfigCommand,
		&configPathCommand,
		&initConfigCommand,
	},
}

var initConfigCommand = cli.Command{
	Name:  "init",
	Usage: "Write the config file, filling in defaults for unset values",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		path, err := config.JitConfigFilePath()
		if err != nil {
			return err
		}
		clio.Successf("Wrote %s", path)
		return nil
	},
}

var printConfigCommand = cli.Command{
	Name:  "print",
	Usage: "List the effective settings",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		data := [][]string{
			{"database url", cfg.DatabaseURL},
			{"ledger url", cfg.LedgerURL},
			{"revocation webhook url", cfg.RevocationWebhookURL},
			{"revocation retry interval", cfg.RevocationRetryInterval},
			{"chat webhook url", cfg.ChatWebhookURL},
			{"listen address", cfg.ListenAddr},
			{"hash on truncate", strconv.FormatBool(cfg.HashOnTruncate)},
			{"aws profile", cfg.AWS.Profile},
			{"aws region", cfg.AWS.Region},
			{"sso instance arn", cfg.AWS.SSOInstanceARN},
			{"identity store id", cfg.AWS.IdentityStoreID},
			{"aws requests per second", strconv.Itoa(cfg.AWS.RequestsPerSecond)},
			{"iam settle delay", cfg.AWS.SettleDelay},
		}
		emails := make([]string, 0, len(cfg.ChatHandles))
		for email := range cfg.ChatHandles {
			emails = append(emails, email)
		}
		sort.Strings(emails)
		for _, email := range emails {
			data = append(data, []string{fmt.Sprintf("chat handle for %s", email), cfg.ChatHandles[email]})
		}

		table := newTable(os.Stderr, []string{"SETTING", "VALUE"})
		table.SetRowLine(true)
		table.AppendBulk(data)
		table.Render()
		return nil
	},
}

var configPathCommand = cli.Command{
	Name:  "path",
	Usage: "Print the path of the config file",
	Action: func(c *cli.Context) error {
		path, err := config.JitConfigFilePath()
		if err != nil {
			return err
		}
		clio.Log(path)
		return nil
	},
}
