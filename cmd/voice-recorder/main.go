package main

import (
	"context"
	"os"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/cli"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		logging.Fail(logging.CategoryApp, "%v", err)
		logging.Shutdown(context.Background())
		os.Exit(1)
	}
	logging.Shutdown(context.Background())
}
