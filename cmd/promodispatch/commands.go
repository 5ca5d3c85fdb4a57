package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"promodispatch/internal/app"
	"promodispatch/internal/config"
	"promodispatch/internal/eventbus"
	"promodispatch/internal/maintenance"
	"promodispatch/internal/storage"
	logx "promodispatch/pkg/logx"
)

const (
	defaultSendWait = 2 * time.Minute
	stopTimeout     = 30 * time.Second
)

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runDaemon(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigCh:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func runValidate(cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := (maintenance.Config{
		BucketGC: cfg.Maintenance.BucketGC,
		Compact:  cfg.Maintenance.Compact,
		Timezone: cfg.Maintenance.Timezone,
	}).Validate(); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", cfgPath)
	return nil
}

func runStatus(ctx context.Context, cfgPath, id string) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	view, hist, err := app.Inspect(ctx, cfg, id, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"message": view, "history": hist})
}

func runSend(ctx context.Context, cfgPath, id, to, text string, wait time.Duration) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Subscribe before Start so no outcome is missed.
	events, unsubscribe := a.Bus().Subscribe(64, eventbus.TopicDelivered, eventbus.TopicAbandoned)
	defer unsubscribe()

	stop := func() error {
		stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
		defer c()
		return a.Stop(stopCtx, app.StopAppStop)
	}
	if err := a.Start(ctx); err != nil {
		_ = stop()
		return err
	}

	status, err := a.Dispatcher().Enqueue(ctx, id, to, []byte(text))
	if err != nil {
		return errors.Join(err, stop())
	}
	if !status.Final() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-timer.C:
				break loop
			case <-events:
				if v, err := a.Dispatcher().Status(ctx, id); err == nil && v.Status.Final() {
					break loop
				}
			}
		}
	}

	view, viewErr := a.Dispatcher().Status(context.Background(), id)
	hist, histErr := a.Dispatcher().History(context.Background(), id)
	stopErr := stop()
	if err := errors.Join(viewErr, histErr); err != nil {
		return errors.Join(err, stopErr)
	}
	if err := printJSON(map[string]any{"message": view, "history": hist}); err != nil {
		return err
	}
	if view.Status != storage.StatusDelivered {
		return errors.Join(fmt.Errorf("message %s ended in %s", id, view.Status), stopErr)
	}
	return stopErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
