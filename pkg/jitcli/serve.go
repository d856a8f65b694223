package jitcli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/queryservice"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var ServeCommand = cli.Command{
	Name:  "serve",
	Usage: "Serve the request query API and redeliver undelivered revocations",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "Address to listen on", EnvVars: []string{"JIT_LISTEN_ADDR"}},
		&cli.BoolFlag{Name: "revocation-callback", Usage: "Accept revocation events from the scheduler on POST /revocations", EnvVars: []string{"JIT_REVOCATION_CALLBACK"}},
		&cli.DurationFlag{Name: "retry-interval", Usage: "How often undelivered revocations are redelivered, 0 to disable"},
	},
	Action: func(c *cli.Context) error {
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()

		addr := e.cfg.ListenAddr
		if c.IsSet("listen") {
			addr = c.String("listen")
		}
		interval, err := e.cfg.RetryInterval()
		if err != nil {
			return err
		}
		if c.IsSet("retry-interval") {
			interval = c.Duration("retry-interval")
		}

		var extra func(chi.Router)
		if c.Bool("revocation-callback") {
			extra = queryservice.RevokeRoutes(e.orchestrator)
		}
		srv := &http.Server{
			Addr: addr,
			Handler: queryservice.NewRouter(queryservice.RouterOptions{
				Ledger:      e.ledger,
				ExtraRoutes: extra,
			}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g, ctx := errgroup.WithContext(c.Context)
		g.Go(func() error {
			clio.Infof("Serving requests on http://%s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if interval > 0 {
			g.Go(func() error {
				err := e.scheduler.Run(ctx, interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}

		err = g.Wait()
		clio.Info("Stopped serving")
		return err
	},
}
