package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
)

func newGenerateCommand(opts *rootOptions) *cobra.Command {
	scratch := config.Default()
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Extract query blocks from a workload directory and write view candidates",
		Example: `  ecse generate --workload-dir queries/ --out-dir out/
  ecse generate --workload-dir queries/ --dsn postgres://localhost/tpcds --alpha 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, flush, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer flush()
			if cfg.WorkloadDir == "" {
				return errors.New("--workload-dir is required")
			}

			ctx := cmd.Context()
			meta, err := loadMeta(ctx, cfg)
			if err != nil {
				return err
			}
			files, err := qbextract.LoadWorkload(cfg.WorkloadDir)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				log.Warn("workload directory has no .sql files", zap.String("dir", cfg.WorkloadDir))
			}

			a := &advisor.Advisor{Meta: meta, Config: cfg, Logger: log}
			rep, err := a.Run(ctx, files)
			if err != nil {
				return err
			}
			if err := rep.WriteFiles(cfg.OutDir, meta, cfg); err != nil {
				return err
			}
			for _, w := range rep.Warnings {
				log.Warn("extraction warning", zap.String("warning", w))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d query blocks (%d eligible), %d candidates (%d degraded) written to %s\n",
				rep.Stats.QueryBlocks, rep.Stats.Eligible, rep.Stats.Candidates, rep.Stats.Degraded, cfg.OutDir)
			return nil
		},
	}
	config.BindRunFlags(cmd.Flags(), &scratch)
	return cmd
}
