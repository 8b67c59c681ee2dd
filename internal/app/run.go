package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Run is the CLI entrypoint used by cmd/parley. It returns an error instead
// of exiting so deferred cleanup runs.
func Run(args []string) error {
	fs := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := LoadConfig(fs)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.Log.Level, cfg.Log.Format, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	return a.Run(ctx)
}
