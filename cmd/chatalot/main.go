// Package main is the entry point for the chatalot binary.
// It delegates immediately to the CLI command tree.
package main

import (
	"context"
	"os"

	"github.com/sazonovanton/SirChatalot-sub000/internal/cli"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.Logger().Error("fatal error", "err", err)
		os.Exit(1)
	}
}
