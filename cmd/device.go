package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fwlink/internal/connection"
	"fwlink/internal/logx"
)

// openDevice builds the facade and connects it, either to the configured port
// or to the first port whose device answers the version handshake.
func openDevice(ctx context.Context) (*connection.Facade, string, error) {
	f, err := connection.NewFromConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	port, err := connectDevice(ctx, f, cfg.Port)
	if err != nil {
		_ = f.Close()
		return nil, port, err
	}
	return f, port, nil
}

func connectDevice(ctx context.Context, f *connection.Facade, requested string) (string, error) {
	if requested != "" {
		if _, err := f.Connect(ctx, requested); err != nil {
			return requested, err
		}
		return requested, nil
	}

	ports := f.ListPorts(ctx)
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports detected; connect your device or pass --port")
	}

	sort.Sort(sort.Reverse(sort.StringSlice(ports)))
	var errs []error
	for _, port := range ports {
		logx.Debugf("auto-detect trying serial port %s", port)
		err := handshake(ctx, f, port)
		if err == nil {
			logx.Debugf("auto-detect selected serial port %s", port)
			return port, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", port, err))
		logx.Debugf("auto-detect rejected serial port %s: %v", port, err)
		if ctx.Err() != nil {
			break
		}
	}

	joined := errors.Join(errs...)
	return "", fmt.Errorf("auto-detect serial port failed (tried %s): %w", strings.Join(ports, ", "), joined)
}

// handshake connects to port and keeps it only if the device answers the
// version query.
func handshake(ctx context.Context, f *connection.Facade, port string) error {
	if _, err := f.Connect(ctx, port); err != nil {
		return err
	}
	version, err := f.DeviceVersion(ctx)
	if err != nil {
		if _, derr := f.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			logx.Debugf("auto-detect disconnect %s: %v", port, derr)
		}
		return fmt.Errorf("no device handshake: %w", err)
	}
	logx.Debugf("auto-detect %s answered version %s", port, version)
	return nil
}
