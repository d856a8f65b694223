package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/jit/pkg/jitcli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := jitcli.LoadEnvFile()
	if err == nil {
		err = jitcli.GetCliApp().RunContext(ctx, os.Args)
	}
	if err != nil {
		// if the error is an instance of clierr.PrintCLIErrorer then print the error accordingly
		if cliError, ok := err.(clierr.PrintCLIErrorer); ok {
			cliError.PrintCLIError()
		} else {
			clio.Error(err.Error())
		}
		stop()
		os.Exit(1)
	}
}
