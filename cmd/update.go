package cmd

import (
	"fmt"

	"fwlink/internal/logx"
	"fwlink/internal/update"

	"github.com/spf13/cobra"
)

var flagBackupFirst bool

func printCheck(res update.CheckResult) {
	switch res.Status {
	case update.NotConfigured:
		fmt.Printf("device version %s; no update source configured\n", res.DeviceVersion)
	case update.UpToDate:
		fmt.Printf("device version %s is up to date (source %s)\n", res.DeviceVersion, res.Source)
	case update.UpdateFound:
		fmt.Printf("update available: %s -> %s (source %s)\n", res.DeviceVersion, res.Version, res.Source)
	}
}

func installOutcome(res update.InstallResult, err error) error {
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	fmt.Println(res.Message)
	return nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the update source whether newer firmware exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		logx.Debugf("check command connected: port=%s source=%s", port, f.SourceName())

		res, err := f.CheckForUpdates(ctx)
		if err != nil {
			return err
		}
		printCheck(res)
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Check for an update and install it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if flagBackupFirst {
			cfg.Backup.Enabled = true
		}
		f, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Printf("install: port=%s source=%s backup=%v\n", port, f.SourceName(), cfg.Backup.Enabled)

		res, err := f.CheckForUpdates(ctx)
		if err != nil {
			return err
		}
		printCheck(res)
		if !res.Available {
			return nil
		}
		return installOutcome(runCancellable(ctx, f, f.InstallUpdate))
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Flash the newest firmware backup back onto the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Printf("rollback: port=%s backups=%s\n", port, cfg.Backup.Dir)
		return installOutcome(runCancellable(ctx, f, f.Rollback))
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Read the device firmware into the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		logx.Debugf("backup command connected: port=%s dir=%s", port, cfg.Backup.Dir)

		path, err := f.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", path)
		return nil
	},
}

func init() {
	installCmd.Flags().BoolVar(&flagBackupFirst, "backup", false, "Back up the current firmware before installing")
	rootCmd.AddCommand(checkCmd, installCmd, rollbackCmd, backupCmd)
}
