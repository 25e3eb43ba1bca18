package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"xwatch/internal/app"
	"xwatch/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		check   bool
		notify  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.BoolVar(&check, "check-credentials", false, "probe every credential, print the result and exit")
	flag.BoolVar(&notify, "notify", false, "with -check-credentials, also send the result to the maintainer")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if check {
		go func() {
			<-sigs
			cancel()
		}()
		if err := a.CheckCredentials(ctx, os.Stdout, notify); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	startErr := make(chan error, 1)
	go func() { startErr <- a.Start(ctx) }()

	reason := app.StopUnknown
	var runErr error
	started := false
	for !started && runErr == nil && reason == app.StopUnknown {
		select {
		case err := <-startErr:
			if err != nil {
				runErr = err
				reason = app.StopFatalError
				if errors.Is(err, app.ErrNotConfirmed) {
					reason = app.StopNotConfirmed
				}
				continue
			}
			started = true
		case s := <-sigs:
			reason = signalReason(s)
		}
	}

	if started {
		_, _ = systemd.Ready()
		go func() { _ = systemd.Watchdog(ctx) }()
		select {
		case s := <-sigs:
			reason = signalReason(s)
		case <-a.Done():
			reason = app.StopFatalError
			runErr = a.Err()
		}
	} else if runErr == nil {
		// Signal during startup: cancel it and wait for Start to unwind.
		cancel()
		<-startErr
	}

	_, _ = systemd.Stopping()
	cancel()
	if err := a.Stop(context.Background(), reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	switch {
	case reason == app.StopNotConfirmed:
		fmt.Fprintln(os.Stderr, "start not confirmed; exiting")
	case runErr != nil:
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}

func signalReason(s os.Signal) app.StopReason {
	if s == syscall.SIGTERM {
		return app.StopSIGTERM
	}
	return app.StopSIGINT
}
