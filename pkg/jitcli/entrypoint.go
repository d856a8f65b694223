package jitcli

import (
	"github.com/common-fate/clio"
	"github.com/common-fate/jit/internal/build"
	"github.com/common-fate/jit/pkg/banners"
	"github.com/common-fate/jit/pkg/config"
	"github.com/urfave/cli/v2"
)

func GetCliApp() *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		clio.Log(banners.WithVersion())
	}

	flags := []cli.Flag{
		&cli.BoolFlag{Name: "verbose", Usage: "Log debug messages"},
		&cli.StringFlag{Name: "database-url", Usage: "SQLite path or postgres:// URL of the request ledger", EnvVars: []string{"JIT_DATABASE_URL"}},
		&cli.StringFlag{Name: "ledger-url", Usage: "Read requests from a request query service instead of the database", EnvVars: []string{"JIT_LEDGER_URL"}},
		&cli.StringFlag{Name: "revocation-webhook-url", Usage: "Webhook which schedules revocations", EnvVars: []string{"JIT_REVOCATION_WEBHOOK_URL"}},
		&cli.StringFlag{Name: "chat-webhook-url", Usage: "Chat webhook for requester notifications", EnvVars: []string{"JIT_CHAT_WEBHOOK_URL"}},
		&cli.StringFlag{Name: "aws-profile", Usage: "AWS profile used to manage grants", EnvVars: []string{"JIT_AWS_PROFILE"}},
		&cli.StringFlag{Name: "aws-region", Usage: "AWS region used to manage grants", EnvVars: []string{"JIT_AWS_REGION"}},
		&cli.StringFlag{Name: "sso-instance-arn", Usage: "IAM Identity Center instance ARN, enables permission set grants", EnvVars: []string{"JIT_SSO_INSTANCE_ARN"}},
		&cli.StringFlag{Name: "identity-store-id", Usage: "IAM Identity Center identity store ID", EnvVars: []string{"JIT_IDENTITY_STORE_ID"}},
	}

	app := &cli.App{
		Flags:       flags,
		Name:        build.BinaryName(),
		Usage:       "Just-in-time cloud access grants",
		UsageText:   build.BinaryName() + " [global options] command [command options] [arguments...]",
		Version:     build.Version,
		HideVersion: false,
		Commands: []*cli.Command{
			&RequestCommand,
			&GrantCommand,
			&RevokeCommand,
			&RequestsCommand,
			&ServeCommand,
			&ArmsCommand,
			&CleanupCommand,
			&DBCommand,
			&ConfigCommand,
		},
		EnableBashCompletion: true,
		Before: func(c *cli.Context) error {
			clio.SetLevelFromEnv("JIT_LOG")
			if c.Bool("verbose") {
				clio.SetLevelFromString("debug")
			}
			if err := config.SetupConfigFolder(); err != nil {
				return err
			}
			return nil
		},
	}

	return app
}
