package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSink delivers a rendered log line to chat. It runs on a background worker,
// never on the logging call site.
type ChatSink func(ctx context.Context, text string) error

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
)

// chatForwarder is a zerolog.LevelWriter that queues lines for a ChatSink.
// Lines below the minimum level, over the rate limit or beyond a full queue are
// dropped.
type chatForwarder struct {
	mu      sync.Mutex
	sink    ChatSink
	minLvl  zerolog.Level
	limiter *rate.Limiter

	queue  chan string
	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatForwarder() *chatForwarder {
	return &chatForwarder{
		minLvl:  zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan string, chatQueueSize),
	}
}

func (c *chatForwarder) setSink(fn ChatSink) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

func (c *chatForwarder) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.minLvl = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
	if cfg.Enabled {
		c.start.Do(c.run)
	}
}

func (c *chatForwarder) run() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-c.queue:
				c.mu.Lock()
				sink := c.sink
				c.mu.Unlock()
				if sink == nil {
					continue
				}
				sctx, scancel := context.WithTimeout(ctx, chatSendTimeout)
				_ = sink(sctx, line)
				scancel()
			}
		}
	}()
}

func (c *chatForwarder) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatForwarder) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatForwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	ok := c.sink != nil && level >= c.minLvl && c.limiter.Allow()
	c.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if line := renderChatLine(p); line != "" {
		select {
		case c.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// renderChatLine turns one JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted.
func renderChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatMaxValueLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
