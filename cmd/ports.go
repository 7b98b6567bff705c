package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"fwlink/internal/ports"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var flagPortsJSON bool

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		list := ports.New().List(cmd.Context())
		if flagPortsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		if len(list) == 0 {
			fmt.Println("no serial ports detected")
			return nil
		}
		fmt.Println(portsTable(list))
		return nil
	},
}

func portsTable(list []ports.PortDescriptor) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PORT", "USB", "VID:PID", "PRODUCT", "SERIAL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, p := range list {
		usb, ids := "-", "-"
		if p.IsUSB {
			usb = "yes"
			ids = p.VendorID + ":" + p.ProductID
		}
		t.Row(p.Path, usb, ids, orDash(p.Product), orDash(p.SerialNumber))
	}
	return t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	portsCmd.Flags().BoolVar(&flagPortsJSON, "json", false, "Print ports as JSON")
	rootCmd.AddCommand(portsCmd)
}
