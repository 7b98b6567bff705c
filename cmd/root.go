package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fwlink/internal/config"
	"fwlink/internal/logx"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagPort    string
	flagVerbose bool
)

// cfg is loaded once per invocation by the root pre-run hook.
var (
	cfg      *config.Config
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:           "fwlink",
	Short:         "Talk to a serial device and keep its firmware up to date",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagPort != "" {
			c.Port = flagPort
		}
		closer, err := logx.Setup(logx.Options{
			Level:  c.Logger.Level,
			Format: c.Logger.Format,
			Output: c.Logger.Output,
		})
		if err != nil {
			return err
		}
		closeLog = closer
		if flagVerbose {
			logx.EnableDebug(true)
			logx.Debugf("debug logging enabled")
		}
		cfg = c
		logx.Debugf("config loaded: path=%q port=%q source=%s", flagConfig, c.Port, c.Source.Kind)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "fwlink.yaml", "Path to YAML config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&flagPort, "port", "", "Serial port (e.g. /dev/ttyUSB0, COM5). Auto-detected if unset")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose debug logging")
}
