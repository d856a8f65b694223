package jitcli

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/pkg/config"
	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/common-fate/jit/pkg/db/migrations"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/common-fate/jit/pkg/lifecycle"
	"github.com/common-fate/jit/pkg/notify"
	"github.com/common-fate/jit/pkg/policyname"
	"github.com/common-fate/jit/pkg/provider"
	"github.com/common-fate/jit/pkg/revocation"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v2"
)

// LoadEnvFile loads variables from a dotenv file into the environment so that
// flag EnvVars pick them up. The file is JIT_ENV_FILE, or .env in the working
// directory. Variables which are already set are left alone.
func LoadEnvFile() error {
	path := os.Getenv("JIT_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return clierr.New("Failed to load environment file "+path, clierr.Error(err))
	}
	clio.Debugw("loaded environment file", "path", path)
	return nil
}

// loadConfig reads the config file and applies any global flags the user set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, clierr.New("Failed to load the jit config file", clierr.Error(err), clierr.Info("Fix or remove the file at ~/.jit/config"))
	}

	overrides := []struct {
		flag   string
		target *string
	}{
		{"database-url", &cfg.DatabaseURL},
		{"ledger-url", &cfg.LedgerURL},
		{"revocation-webhook-url", &cfg.RevocationWebhookURL},
		{"chat-webhook-url", &cfg.ChatWebhookURL},
		{"aws-profile", &cfg.AWS.Profile},
		{"aws-region", &cfg.AWS.Region},
		{"sso-instance-arn", &cfg.AWS.SSOInstanceARN},
		{"identity-store-id", &cfg.AWS.IdentityStoreID},
	}
	for _, o := range overrides {
		if c.IsSet(o.flag) {
			*o.target = c.String(o.flag)
		}
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL, err = config.DefaultDatabaseURL()
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openDB connects to the database and brings its schema up to date.
func openDB(ctx context.Context, cfg *config.Config) (*bun.DB, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, clierr.New("Failed to open the jit database", clierr.Error(err), clierr.Infof("Check the database URL %q", cfg.DatabaseURL))
	}
	if err := migrations.Apply(ctx, db); err != nil {
		_ = bunx.Close(db)
		return nil, err
	}
	return db, nil
}

// env holds the components a command works with.
type env struct {
	cfg          *config.Config
	db           *bun.DB
	ledger       ledger.Ledger
	arms         *revocation.BunArmStore
	scheduler    *revocation.Scheduler
	direct       *grantstore.DirectAttachment
	orchestrator *lifecycle.Orchestrator
}

func (e *env) Close() {
	if err := bunx.Close(e.db); err != nil {
		clio.Debugw("failed to close database", "error", err)
	}
}

// openLedger returns the ledger read commands use. When a ledger URL is
// configured no database is opened.
func openLedger(c *cli.Context) (ledger.Ledger, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LedgerURL != "" {
		return ledger.NewHTTPLedger(cfg.LedgerURL), func() {}, nil
	}
	db, err := openDB(c.Context, cfg)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewBunLedger(db, nil), func() { _ = bunx.Close(db) }, nil
}

// openEnv wires the full lifecycle: database, AWS strategies, revocation
// scheduler and notifications.
func openEnv(c *cli.Context) (*env, error) {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, db: db}

	if cfg.LedgerURL != "" {
		clio.Warnf("Ignoring ledger URL %s: lifecycle commands need the writable database ledger", cfg.LedgerURL)
	}
	e.ledger = ledger.NewBunLedger(db, nil)
	e.arms = revocation.NewBunArmStore(db)

	if cfg.RevocationWebhookURL == "" {
		clio.Debug("no revocation webhook is configured, grants will not be scheduled for revocation")
	}
	e.scheduler = revocation.NewScheduler(revocation.Options{
		WebhookURL: cfg.RevocationWebhookURL,
		Arms:       e.arms,
	})

	strategies, err := buildStrategies(ctx, cfg, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.orchestrator = lifecycle.New(lifecycle.Opts{
		Ledger:     e.ledger,
		Strategies: strategies,
		Scheduler:  e.scheduler,
		Notifier:   buildNotifier(cfg),
		Namer:      policyname.Generator{HashOnTruncate: cfg.HashOnTruncate},
	})
	return e, nil
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, clierr.New("Failed to load AWS configuration", clierr.Error(err), clierr.Info("Set --aws-profile or the AWS section of the jit config file"))
	}
	return awsCfg, nil
}

// buildStrategies configures direct attachment and, when an Identity Center
// instance is configured, SSO assignment.
func buildStrategies(ctx context.Context, cfg *config.Config, e *env) (grantstore.Strategies, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	settle, err := cfg.SettleDelay()
	if err != nil {
		return nil, err
	}

	caller := provider.NewCaller(provider.Options{RequestsPerSecond: cfg.AWS.RequestsPerSecond})

	e.direct = grantstore.NewDirectAttachment(grantstore.DirectAttachmentOpts{
		IAM:         iam.NewFromConfig(awsCfg),
		Caller:      caller,
		SettleDelay: settle,
	})
	strategies := []grantstore.Strategy{e.direct}

	if cfg.AWS.SSOInstanceARN != "" && cfg.AWS.IdentityStoreID != "" {
		strategies = append(strategies, grantstore.NewSSOAssignment(grantstore.SSOAssignmentOpts{
			Admin:           ssoadmin.NewFromConfig(awsCfg),
			IdentityStore:   identitystore.NewFromConfig(awsCfg),
			Caller:          caller,
			InstanceARN:     cfg.AWS.SSOInstanceARN,
			IdentityStoreID: cfg.AWS.IdentityStoreID,
		}))
	} else {
		clio.Debug("IAM Identity Center is not configured, permission set grants are disabled")
	}
	return grantstore.NewStrategies(strategies...), nil
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	sinks := notify.Multi{notify.LogNotifier{}}
	if cfg.ChatWebhookURL != "" {
		var resolver notify.HandleResolver = notify.EmailLocalPart{}
		if len(cfg.ChatHandles) > 0 {
			handles := notify.StaticHandles{}
			for email, handle := range cfg.ChatHandles {
				handles[strings.ToLower(email)] = handle
			}
			resolver = handles
		}
		sinks = append(sinks, notify.NewChatWebhook(notify.ChatWebhookOpts{URL: cfg.ChatWebhookURL, Resolver: resolver}))
	}
	return sinks
}
