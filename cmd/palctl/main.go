package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"palctl/internal/app"
	"palctl/internal/config"
	"palctl/pkg/logx"
)

func main() {
	defPath, err := config.DefaultPath()
	if err != nil {
		defPath = "./palctl.json"
	}
	cfgPath := pflag.StringP("config", "c", defPath, "path to config file (.json or .yaml)")
	stopTimeout := pflag.Duration("stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	pflag.Parse()

	a, err := app.New(*cfgPath, app.Options{})
	if err != nil {
		logx.NewConsole("info").Error("fatal", logx.String("config", *cfgPath), logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logx.NewConsole("info").Error("fatal start", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	reason := app.StopUnknown
	switch <-sigs {
	case os.Interrupt:
		reason = app.StopSIGINT
	case syscall.SIGTERM:
		reason = app.StopSIGTERM
	}
	signal.Stop(sigs)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()
}
