// Package app wires the stores, transport, poller, notifier and operator
// services into one process and owns its start and shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"sitewatch/internal/config"
	"sitewatch/internal/dispatch"
	"sitewatch/internal/eventbus"
	"sitewatch/internal/fetch"
	"sitewatch/internal/metrics"
	"sitewatch/internal/notifier"
	"sitewatch/internal/observability/debugsrv"
	"sitewatch/internal/poller"
	rtsup "sitewatch/internal/runtime/supervisor"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport"
	"sitewatch/internal/transport/console"
	"sitewatch/internal/transport/telegram"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
	"sitewatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	rt   Runtime
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	monitors *watch.Monitors
	registry *watch.Registry
	settings *watch.Settings

	adapter transport.Adapter
	fetcher *fetch.HTTP
	poller  *poller.Poller
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	metrics *metrics.Metrics
	debug   *debugsrv.Server

	inbound         chan transport.Inbound
	dispatchWorkers int
}

type options struct {
	in      io.Reader
	out     io.Writer
	adapter transport.Adapter
	fetcher poller.Fetcher
}

type Option func(*options)

// WithConsoleIO sets the streams used by the console transport.
func WithConsoleIO(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.in, o.out = in, out }
}

// WithAdapter replaces the configured transport.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f poller.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(rt.Logging)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:            cfgm,
		rt:              rt,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		monitors:        watch.NewMonitors(),
		registry:        watch.NewRegistry(),
		settings:        watch.NewSettings(rt.DefaultDelay),
		inbound:         make(chan transport.Inbound, 256),
		dispatchWorkers: 4,
	}

	if rt.Storage.Driver != "" {
		st, err := storage.Open(rt.Storage, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", rt.Storage.Driver), logx.String("path", rt.Storage.Path))
		if err := a.restore(); err != nil {
			_ = st.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	switch {
	case o.adapter != nil:
		a.adapter = o.adapter
	case rt.Transport == TransportConsole:
		a.adapter = console.New(o.in, o.out, root)
		// One local user: keep replies in input order.
		a.dispatchWorkers = 1
	default:
		ad, err := telegram.New(rt.Telegram, root)
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, err
		}
		a.adapter = ad
	}

	fetcher := o.fetcher
	if fetcher == nil {
		a.fetcher = fetch.New(rt.Fetch)
		fetcher = a.fetcher
	}

	a.notif = notifier.New(rt.Notifier, a.adapter, a.registry, root, bus)

	pollOpts := []poller.Option{poller.WithBus(bus), poller.WithLogger(root)}
	if a.store != nil {
		pollOpts = append(pollOpts, poller.WithJournal(a.store))
	}
	a.poller = poller.New(a.monitors, a.settings, fetcher, a.notif, rt.Poller, pollOpts...)

	dispOpts := []dispatch.Option{
		dispatch.WithRescheduler(a.poller),
		dispatch.WithBus(bus),
		dispatch.WithLogger(root),
		dispatch.WithTimeout(rt.CommandTimeout),
	}
	if a.store != nil {
		dispOpts = append(dispOpts, dispatch.WithStore(a.store))
	}
	a.disp = dispatch.New(a.monitors, a.registry, a.settings, dispOpts...)

	a.metrics = metrics.New(a.monitors, a.registry)
	a.debug = debugsrv.New(rt.Debug, a.metrics.Handler(), root)

	logSvc.SetChatSink(a.sendLogLine)
	return a, nil
}

// sendLogLine forwards a log line to known conversations. It writes to the
// adapter directly and never logs, so a failing send cannot feed back into the
// chat sink.
func (a *App) sendLogLine(ctx context.Context, text string) error {
	var errs []error
	for _, ep := range a.registry.Snapshot() {
		if !ep.HasConversation() {
			continue
		}
		if err := a.adapter.Send(ctx, ep, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// restore loads persisted state into the in-memory stores.
func (a *App) restore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	a.monitors.Restore(st.Monitors)
	for _, e := range st.Recipients {
		a.registry.Register(e)
	}
	if st.DelayMinutes != 0 {
		if err := a.settings.SetDelay(st.DelayMinutes); err != nil {
			a.log.Warn("ignoring persisted delay", logx.Float64("delay_min", st.DelayMinutes), logx.Err(err))
		}
	}
	a.log.Info("state restored",
		logx.Int("monitors", a.monitors.Len()),
		logx.Int("recipients", a.registry.Len()),
		logx.Float64("delay_min", a.settings.Delay()),
	)
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Resolve(cfg)
		return err
	})

	a.notif.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context(), a.inbound); err != nil {
		return err
	}
	a.debug.SetTasks(a.sup.Snapshot)
	a.debug.Start(a.sup.Context())

	for i := 0; i < a.dispatchWorkers; i++ {
		a.sup.Go(fmt.Sprintf("commands.dispatch.%d", i), a.dispatchLoop)
	}
	a.sup.GoRestart("poller", a.poller.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	systemd.Ready(a.log)
	systemd.Status(a.log, fmt.Sprintf("watching %d urls", a.monitors.Len()))
	a.log.Info("app started",
		logx.String("transport", a.rt.Transport),
		logx.Int("monitors", a.monitors.Len()),
		logx.Float64("delay_min", a.settings.Delay()),
	)
	return nil
}

// dispatchLoop turns inbound messages into replies.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-a.inbound:
			reply := a.disp.Dispatch(ctx, in.Text, in.Endpoint)
			if reply == "" {
				continue
			}
			if err := a.adapter.Reply(ctx, in, reply); err != nil {
				a.log.Warn("reply failed",
					logx.String("to_id", in.Endpoint.RecipientID),
					logx.String("conversation", in.Endpoint.ConversationID),
					logx.Err(err),
				)
			}
		}
	}
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies hot-reloadable sections of a newly published config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Coalesce bursts.
	drain:
		for {
			select {
			case c := <-sub:
				if c != nil {
					next = c
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeChange(last, next)
		last = next
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		if restart := config.RequiresRestart(sections); len(restart) > 0 {
			a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
		}

		rt, err := Resolve(next)
		if err != nil {
			a.log.Warn("invalid config; keeping previous", logx.Err(err))
			continue
		}
		a.logs.Apply(rt.Logging)
		a.poller.Apply(rt.Poller)
		if a.fetcher != nil {
			a.fetcher.Apply(rt.Fetch)
		}
		a.notif.Apply(rt.Notifier)
		a.debug.Reconfigure(ctx, rt.Debug)

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config applied", fields...)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	a.sup.Cancel()

	// Order matters: intake first, then background loops, then the queue, then storage.
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("cycles", a.poller.Cycles()))
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
