package cmd

import (
	"fwlink/internal/connection"
	"fwlink/internal/logx"
	"fwlink/internal/server"

	"github.com/spf13/cobra"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API for UIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := connection.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		defer f.Close()

		// A configured port is connected up front; clients can still switch.
		if cfg.Port != "" {
			if _, err := f.Connect(ctx, cfg.Port); err != nil {
				logx.Warnf("serve: initial connect to %s failed: %v", cfg.Port, err)
			}
		}

		scfg := server.ConfigFrom(cfg.Server)
		if flagListen != "" {
			scfg.Listen = flagListen
		}
		return server.Run(ctx, f, scfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address, overrides server.listen")
	rootCmd.AddCommand(serveCmd)
}
