package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"fwlink/internal/connection"
	"fwlink/internal/update"
)

// progressPrinter throttles install progress to one line per phase step.
type progressPrinter struct {
	phase   string
	percent int
}

func (p *progressPrinter) render(pr update.Progress) {
	if pr.Phase == p.phase && pr.Percent < p.percent+10 && pr.Percent < 100 {
		return
	}
	if pr.Phase == p.phase && pr.Percent == p.percent {
		return
	}
	p.phase, p.percent = pr.Phase, pr.Percent
	if pr.Total > 0 {
		fmt.Fprintf(os.Stderr, "[fwlink] %-8s %3d%% (%d/%d)\n", pr.Phase, pr.Percent, pr.Done, pr.Total)
		return
	}
	fmt.Fprintf(os.Stderr, "[fwlink] %-8s %3d%%\n", pr.Phase, pr.Percent)
}

// watchEvents prints progress and connection loss until the returned stop is
// called.
func watchEvents(f *connection.Facade) func() {
	ch, unsubscribe := f.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var pp progressPrinter
		for evt := range ch {
			switch evt.Kind {
			case connection.Progress:
				pp.render(evt.Progress)
			case connection.ConnectionLost:
				fmt.Fprintf(os.Stderr, "[fwlink] connection to %s lost: %v\n", evt.Port, evt.Err)
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

type installFunc func(ctx context.Context) (update.InstallResult, error)

// runCancellable runs an install-like operation detached from ctx. When ctx
// ends the operation is stopped through CancelInstall.
func runCancellable(ctx context.Context, f *connection.Facade, fn installFunc) (update.InstallResult, error) {
	stop := watchEvents(f)
	defer stop()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		fmt.Fprintln(os.Stderr, "[fwlink] interrupted, cancelling")
		// the operation may not have registered yet
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for !f.CancelInstall() {
			select {
			case <-ticker.C:
			case <-finished:
				return
			}
		}
	}()

	return fn(context.WithoutCancel(ctx))
}
