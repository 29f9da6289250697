package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/logutil"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sc
		zap.L().Warn("received signal to exit", zap.Stringer("signal", sig))
		cancel()
		<-sc
		os.Exit(1)
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ecse",
		Short:         "ecse proposes materialized views shared by the query blocks of a SQL workload.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaults := config.Default()
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file; flags override it")
	config.BindFlags(root.PersistentFlags(), &defaults)

	root.AddCommand(
		newGenerateCommand(opts),
		newServeCommand(opts),
		newCatalogCommand(opts),
	)
	return root
}

// setup loads the config (file, then changed flags) and installs the global
// logger. The returned func flushes it.
func (o *rootOptions) setup(cmd *cobra.Command) (config.Config, *zap.Logger, func(), error) {
	cfg, err := config.LoadWithFlags(o.configPath, cmd.Flags())
	if err != nil {
		return cfg, nil, nil, err
	}
	log, err := logutil.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, nil, err
	}
	undo := zap.ReplaceGlobals(log)
	return cfg, log, func() {
		_ = log.Sync()
		undo()
	}, nil
}
