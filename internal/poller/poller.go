package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

// maxDelay keeps next-run arithmetic away from time.Time overflow.
const maxDelay = 100 * 365 * 24 * time.Hour

type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Notifier is told about detected changes and repeated fetch failures.
type Notifier interface {
	NotifyChange(ctx context.Context, url string)
	NotifyFailure(ctx context.Context, url string, failures int, err error)
}

// Journal persists committed snapshots. storage.Store satisfies it.
type Journal interface {
	PutMonitor(ctx context.Context, e watch.Entry) error
}

type Config struct {
	Concurrency    int
	NotifyOnError  bool
	ErrorThreshold int
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	return c
}

// Report summarizes one poll cycle.
type Report struct {
	ID        string
	Checked   int
	Failed    int
	Changed   int
	Baselined int
	Skipped   int
	Duration  time.Duration
}

type Poller struct {
	monitors *watch.Monitors
	settings *watch.Settings
	fetcher  Fetcher
	notifier Notifier
	journal  Journal
	bus      eventbus.Bus
	log      logx.Logger

	cfg atomic.Pointer[Config]

	wake   chan struct{}
	cycles atomic.Uint64
	now    func() time.Time
}

type Option func(*Poller)

func WithJournal(j Journal) Option { return func(p *Poller) { p.journal = j } }

func WithBus(b eventbus.Bus) Option { return func(p *Poller) { p.bus = b } }

func WithLogger(log logx.Logger) Option { return func(p *Poller) { p.log = log } }

func New(m *watch.Monitors, s *watch.Settings, f Fetcher, n Notifier, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		monitors: m,
		settings: s,
		fetcher:  f,
		notifier: n,
		bus:      eventbus.Nop(),
		log:      logx.Nop(),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.String("comp", "poller"))
	p.Apply(cfg)
	return p
}

// Apply replaces the tunables. It takes effect on the next cycle.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.normalized()
	p.cfg.Store(&cfg)
}

func (p *Poller) config() Config { return *p.cfg.Load() }

// Cycles returns the number of completed cycles.
func (p *Poller) Cycles() uint64 { return p.cycles.Load() }

// Reschedule makes a running loop recompute its next run from the current delay.
func (p *Poller) Reschedule() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// NextRun returns when a cycle should start if the previous one ended at last.
func (p *Poller) NextRun(last time.Time) time.Time {
	d := p.settings.DelayDuration()
	if d > maxDelay {
		d = maxDelay
	}
	if d < time.Second {
		// Sub-second delays are below cron resolution.
		return last.Add(d)
	}
	return cron.Every(d).Next(last)
}

// Run waits one delay, polls, and repeats until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	last := p.now()
	timer := time.NewTimer(p.NextRun(last).Sub(last))
	defer timer.Stop()

	p.log.Info("poller started", logx.Float64("delay_min", p.settings.Delay()))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped", logx.Uint64("cycles", p.Cycles()))
			return nil
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(max(p.NextRun(last).Sub(p.now()), 0))
			continue
		case <-timer.C:
		}

		p.RunCycle(ctx)
		last = p.now()
		timer.Reset(max(p.NextRun(last).Sub(last), 0))
	}
}

// RunCycle performs one full pass over a snapshot of the monitored URLs.
func (p *Poller) RunCycle(ctx context.Context) Report {
	cfg := p.config()
	start := p.now()
	rep := Report{ID: uuid.NewString()}
	log := p.log.With(logx.String("cycle", rep.ID))

	entries := p.monitors.Entries()
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, cfg.Concurrency)
	)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(e watch.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			out := p.check(ctx, log, cfg, e)
			mu.Lock()
			rep.Checked++
			switch out {
			case outcomeFailed:
				rep.Failed++
			case outcomeChanged:
				rep.Changed++
			case outcomeBaselined:
				rep.Baselined++
			case outcomeSkipped:
				rep.Skipped++
			}
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	rep.Duration = p.now().Sub(start)
	p.cycles.Add(1)
	p.bus.Publish(eventbus.Event{Type: eventbus.TypePollCycle, Data: eventbus.CycleEvent{
		ID:       rep.ID,
		Checked:  rep.Checked,
		Failed:   rep.Failed,
		Changed:  rep.Changed,
		Duration: rep.Duration,
	}})
	log.Debug("poll cycle done",
		logx.Int("checked", rep.Checked),
		logx.Int("failed", rep.Failed),
		logx.Int("changed", rep.Changed),
		logx.Int("baselined", rep.Baselined),
		logx.Duration("took", rep.Duration),
	)
	return rep
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeFailed
	outcomeChanged
	outcomeBaselined
	outcomeSkipped
)

func (p *Poller) check(ctx context.Context, log logx.Logger, cfg Config, e watch.Entry) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("check panicked", logx.String("url", e.URL), logx.Any("panic", r))
			out = p.fail(ctx, log, cfg, e.URL, fmt.Errorf("panic: %v", r))
		}
	}()

	content, err := p.fetcher.Fetch(ctx, e.URL)
	if err == nil && content == "" {
		err = fmt.Errorf("empty content")
	}
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSkipped
		}
		return p.fail(ctx, log, cfg, e.URL, err)
	}

	if e.Seen() && content == e.Content {
		p.monitors.Replace(e.URL, e.Content, content)
		return outcomeUnchanged
	}

	committed, ok := p.monitors.Replace(e.URL, e.Content, content)
	if !ok {
		log.Debug("snapshot moved during fetch; skipping", logx.String("url", e.URL))
		return outcomeSkipped
	}
	p.persist(ctx, log, committed)

	if !e.Seen() {
		log.Debug("baseline recorded", logx.String("url", e.URL), logx.Int("bytes", len(content)))
		return outcomeBaselined
	}

	log.Info("change detected", logx.String("url", e.URL))
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorChanged, Data: eventbus.MonitorEvent{URL: e.URL}})
	p.notifier.NotifyChange(ctx, e.URL)
	return outcomeChanged
}

func (p *Poller) fail(ctx context.Context, log logx.Logger, cfg Config, url string, err error) outcome {
	n := p.monitors.RecordFailure(url)
	log.Debug("fetch failed", logx.String("url", url), logx.Int("failures", n), logx.Err(err))
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFailed, Data: eventbus.MonitorEvent{
		URL:      url,
		Failures: n,
		Error:    err.Error(),
	}})
	if cfg.NotifyOnError && n == cfg.ErrorThreshold {
		p.notifier.NotifyFailure(ctx, url, n, err)
	}
	return outcomeFailed
}

func (p *Poller) persist(ctx context.Context, log logx.Logger, e watch.Entry) {
	if p.journal == nil {
		return
	}
	if err := p.journal.PutMonitor(ctx, e); err != nil {
		log.Warn("persist snapshot failed", logx.String("url", e.URL), logx.Err(err))
	}
}
