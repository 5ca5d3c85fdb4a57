// Package app wires the dispatcher together: storage, transport session,
// outbox, limiter, worker, maintenance, metrics and the operator surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"promodispatch/internal/config"
	"promodispatch/internal/dispatch"
	"promodispatch/internal/eventbus"
	"promodispatch/internal/ledger"
	"promodispatch/internal/maintenance"
	"promodispatch/internal/metrics"
	"promodispatch/internal/operator"
	"promodispatch/internal/ops"
	"promodispatch/internal/outbox"
	"promodispatch/internal/ratelimit"
	rtsup "promodispatch/internal/runtime/supervisor"
	"promodispatch/internal/session"
	"promodispatch/internal/storage"
	"promodispatch/internal/transport"
	"promodispatch/internal/transport/telegram"
	logx "promodispatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	client  transport.Client
	tg      *telegram.Client
	sess    *session.Session
	queue   *outbox.Queue
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	worker  *dispatch.Worker
	svc     *dispatch.Service

	maint *maintenance.Service
	ops   *ops.Service
	oper  *operator.Service
	prom  *metrics.Provider
	rec   metrics.Recorder
}

type Option func(*options)

type options struct {
	notifier operator.Notifier
	client   transport.Client
}

// WithNotifier replaces sd_notify (tests).
func WithNotifier(n operator.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithTransport replaces the configured transport client.
func WithTransport(c transport.Client) Option {
	return func(o *options) { o.client = c }
}

// New loads cfgPath and builds the app. Config changes on disk are applied
// while running.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// Build constructs every component from a validated config without starting anything.
func Build(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	logSvc, root := logx.New(loggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store, err := storage.Open(storageConfig(cfg), root)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	queue, err := outbox.Open(context.Background(), store, outboxPolicy(cfg), root)
	if err != nil {
		return fail(fmt.Errorf("open outbox: %w", err))
	}

	client, tg := o.client, (*telegram.Client)(nil)
	if client == nil {
		client, tg, err = newTransport(cfg, root.With(logx.String("comp", "transport")))
		if err != nil {
			return fail(err)
		}
	}

	sess := session.New(client, sessionConfig(cfg), root, bus)
	led := ledger.New(store)
	lim := ratelimit.New(limiterConfig(cfg))
	worker, err := dispatch.NewWorker(queue, sess, lim, led, workerConfig(cfg), root, bus)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		tg:      tg,
		sess:    sess,
		queue:   queue,
		ledger:  led,
		limiter: lim,
		worker:  worker,
		svc:     dispatch.NewService(queue, led, root, bus),
		maint:   maintenance.New(maintenanceConfig(cfg), root),
		rec:     metrics.NoOp{},
	}

	var operOpts []operator.Option
	if o.notifier != nil {
		operOpts = append(operOpts, operator.WithNotifier(o.notifier))
	}
	a.oper = operator.New(bus, root, operOpts...)

	// The registry always exists; ops.metrics only controls whether it is served.
	if err := a.enableMetrics(); err != nil {
		log.Warn("metrics disabled", logx.Err(err))
	}

	a.maint.Register(maintenance.JobBucketGC, func(ctx context.Context) error {
		if n := a.limiter.Sweep(); n > 0 {
			a.log.Debug("rate-limit buckets collected", logx.Int("count", n))
		}
		return nil
	})
	a.maint.Register(maintenance.JobCompact, a.store.Compact)

	a.ops = ops.New(opsConfig(cfg), a.opsDeps(), root)
	return a, nil
}

func (a *App) enableMetrics() error {
	prom, err := metrics.NewProvider()
	if err != nil {
		return err
	}
	rec, err := metrics.NewRecorder(prom.MeterProvider())
	if err != nil {
		_ = prom.Shutdown(context.Background())
		return err
	}
	a.prom, a.rec = prom, rec
	return nil
}

func (a *App) opsDeps() ops.Deps {
	d := ops.Deps{
		Session:  a.sess,
		Messages: a.svc,
		Queue:    a.queue,
		Jobs:     a.maint.Snapshot,
	}
	if a.prom != nil {
		d.Metrics = a.prom.Handler()
	}
	return d
}

// Dispatcher is the inbound API: Enqueue, Status, History.
func (a *App) Dispatcher() *dispatch.Service { return a.svc }

func (a *App) Session() *session.Session { return a.sess }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Ops exposes the operator HTTP service (nil-safe to call Addr on).
func (a *App) Ops() *ops.Service { return a.ops }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// Messages interrupted by a crash go back to pending before the worker runs.
	n, err := a.queue.Recover(run)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	pending, _ := a.queue.Counts()
	a.log.Info("outbox loaded", logx.Int("pending", pending), logx.Int("recovered", n))

	a.sup.Go0("operator", a.oper.Run)
	a.sup.Go0("metrics.collect", func(c context.Context) { metrics.Collect(c, a.bus, a.rec) })

	if err := a.sess.Start(run); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	a.worker.Start(run)
	a.maint.Start(run)
	a.ops.Start(run)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// Reject reloads the running services could not apply.
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return maintenanceConfig(cfg).Validate()
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.oper.Ready()
	a.log.Info("app started",
		logx.String("session", a.sess.ID()),
		logx.String("transport", transportName(a.cfg)),
		logx.String("storage", storageName(a.cfg)),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, newCfg)
		}
	}
}

// applyConfig fans a validated config out to every live component.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	old := a.cfg
	sections, fields := config.SummarizeConfigChange(old, newCfg)
	a.cfg = newCfg

	a.logs.Apply(loggingConfig(newCfg))
	a.limiter.Apply(limiterConfig(newCfg))
	a.queue.SetPolicy(outboxPolicy(newCfg))
	a.worker.SetConfig(workerConfig(newCfg))
	if err := a.maint.Apply(maintenanceConfig(newCfg)); err != nil {
		a.log.Warn("maintenance config rejected", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, opsConfig(newCfg))

	if a.tg != nil && strings.TrimSpace(old.Transport.Telegram.Token) != strings.TrimSpace(newCfg.Transport.Telegram.Token) {
		if err := a.tg.Pair(ctx, newCfg.Transport.Telegram.Token); err != nil {
			a.log.Warn("telegram re-pair failed", logx.Err(err))
		} else {
			a.log.Info("telegram token changed; re-pairing")
		}
	}

	if len(sections) > 0 {
		a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.oper.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// The worker finishes its in-flight attempt before the session goes away.
	step("worker", 20*time.Second, a.worker.Stop)
	step("session", 5*time.Second, a.sess.Close)
	step("maintenance", 3*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", 3*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	if err := a.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("stopped", logx.String("reason", string(reason)))
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.prom != nil {
		if err := a.prom.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// respect the caller's deadline; never extend it
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
			return err
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}

func transportName(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Transport.Driver); d != "" {
		return d
	}
	return "telegram"
}

func storageName(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		return d
	}
	return "sqlite"
}
