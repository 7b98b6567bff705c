package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"fwlink/internal/logx"

	"github.com/spf13/cobra"
)

type inputEvent struct {
	line string
	err  error
}

func readInput(r io.Reader, ch chan<- inputEvent) {
	in := bufio.NewReader(r)
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			ch <- inputEvent{err: err}
			close(ch)
			return
		}
		ch <- inputEvent{line: strings.TrimRight(line, "\r\n")}
	}
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print lines from the device and send typed lines to it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, port, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		sub, err := f.Monitor()
		if err != nil {
			return err
		}
		defer sub.Close()

		fmt.Fprintf(os.Stderr, "monitor: port=%s. Ctrl+C to exit.\n", port)

		inputCh := make(chan inputEvent, 1)
		go readInput(os.Stdin, inputCh)

		for {
			select {
			case line, ok := <-sub.C():
				if !ok {
					if err := sub.Err(); err != nil {
						return fmt.Errorf("serial read error: %w", err)
					}
					return nil
				}
				fmt.Println(line)
			case ev, ok := <-inputCh:
				if !ok || ev.err != nil {
					if ev.err != nil && !errors.Is(ev.err, io.EOF) {
						return ev.err
					}
					logx.Debugf("monitor: stdin closed, reading only")
					inputCh = nil
					continue
				}
				if ev.line == "" {
					continue
				}
				if err := f.WriteLine(ctx, ev.line); err != nil {
					fmt.Fprintln(os.Stderr, "send error:", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
