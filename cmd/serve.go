package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Lianghan-Zhang/ecse-test/internal/app"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	scratch := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the advisor over HTTP and websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, log, flush, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer flush()

			srv, err := app.NewServer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, srv.Close()) }()
			return srv.Run(cmd.Context())
		},
	}
	config.BindServeFlags(cmd.Flags(), &scratch)
	return cmd
}
