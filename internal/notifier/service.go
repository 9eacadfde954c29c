package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"sitewatch/internal/eventbus"
	rtsup "sitewatch/internal/runtime/supervisor"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	to   watch.Endpoint
	text string
}

// Service implements the broadcast pipeline: queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	out      Outbound
	registry *watch.Registry
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, out Outbound, registry *watch.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		out:      out,
		registry: registry,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Text) == "" {
		cfg.Text = DefaultText
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. It is idempotent.
// Worker count and queue size are read at start; other settings apply live.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort; a broken worker must not stop the bot.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Broadcast queues text for every endpoint currently in the registry and returns
// how many deliveries were queued. Endpoints registered afterwards are not included.
func (s *Service) Broadcast(ctx context.Context, text string) (int, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	if text == "" {
		return 0, nil
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var (
		queued  int
		dropped int
	)
	for _, to := range s.registry.Snapshot() {
		select {
		case q <- job{to: to, text: text}:
			queued++
		default:
			dropped++
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: eventbus.NotifyEvent{
				RecipientID:    to.RecipientID,
				ConversationID: to.ConversationID,
				Error:          ErrQueueFull.Error(),
			}})
		}
	}
	if dropped > 0 {
		s.log.Warn("notifications dropped", logx.Int("dropped", dropped), logx.Int("queued", queued))
		return queued, ErrQueueFull
	}
	return queued, nil
}

// NotifyChange broadcasts the change notification for url.
func (s *Service) NotifyChange(ctx context.Context, url string) {
	s.mu.Lock()
	text := s.cfg.Text
	withURL := s.cfg.IncludeURL
	s.mu.Unlock()
	if withURL {
		text += "\n" + url
	}
	if _, err := s.Broadcast(ctx, text); err != nil {
		s.log.Warn("change broadcast incomplete", logx.String("url", url), logx.Err(err))
	}
}

// NotifyFailure broadcasts that url keeps failing.
func (s *Service) NotifyFailure(ctx context.Context, url string, failures int, cause error) {
	text := fmt.Sprintf("%s is unreachable (%d failed checks in a row)", url, failures)
	if cause != nil {
		text += ": " + cause.Error()
	}
	if _, err := s.Broadcast(ctx, text); err != nil {
		s.log.Warn("failure broadcast incomplete", logx.String("url", url), logx.Err(err))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one job with retries and publishes the outcome.
func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	to := j.to

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		lastErr = s.sendOnce(callCtx, &to, j.text)
		cancel()
		if lastErr == nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: eventbus.NotifyEvent{
				RecipientID:    to.RecipientID,
				ConversationID: to.ConversationID,
				Attempts:       attempt,
			}})
			return
		}
		s.log.Debug("notify send failed",
			logx.String("to", to.RecipientID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(lastErr),
		)
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification failed",
		logx.String("to", to.RecipientID),
		logx.String("conversation", to.ConversationID),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: eventbus.NotifyEvent{
		RecipientID:    to.RecipientID,
		ConversationID: to.ConversationID,
		Attempts:       attempts,
		Error:          lastErr.Error(),
	}})
}

// sendOnce addresses the endpoint, creating a direct conversation when it has none.
// A created conversation id is kept in *to so retries reuse it.
func (s *Service) sendOnce(ctx context.Context, to *watch.Endpoint, text string) error {
	if !to.HasConversation() {
		id, err := s.out.CreateDirect(ctx, *to)
		if err != nil {
			return fmt.Errorf("create direct conversation: %w", err)
		}
		*to = to.WithConversation(id)
	}
	return s.out.Send(ctx, *to, text)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
