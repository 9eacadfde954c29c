// Package console is a line-based transport over stdin/stdout for local use.
//
// Every input line is one message from a single local user. Replies and
// notifications are written to the output, one block per message.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"sitewatch/internal/transport"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

// ChannelID is the channel id of the console endpoint.
const ChannelID = "console"

type Adapter struct {
	in  io.Reader
	log logx.Logger

	wmu sync.Mutex
	w   io.Writer

	user string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ transport.Adapter = (*Adapter)(nil)

// New returns an adapter reading in and writing w; nil means stdin / stdout.
func New(in io.Reader, w io.Writer, log logx.Logger) *Adapter {
	if in == nil {
		in = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}
	return &Adapter{in: in, w: w, user: user, log: log.With(logx.String("comp", "console"))}
}

// Endpoint is the fixed endpoint of the local user.
func (a *Adapter) Endpoint() watch.Endpoint {
	return watch.Endpoint{
		RecipientID:    a.user,
		RecipientName:  a.user,
		BotID:          "sitewatch",
		BotName:        "sitewatch",
		ServiceURL:     "stdio://",
		ChannelID:      ChannelID,
		ConversationID: "stdio",
	}
}

// Start reads lines until EOF or Stop. Lines are forwarded blocking: the console
// never drops input.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Inbound) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})

	lines := make(chan string)
	// The scanner goroutine may outlive Stop while blocked on a read.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			a.log.Warn("console read failed", logx.Err(err))
		}
	}()

	go func(done chan struct{}) {
		defer close(done)
		ep := a.Endpoint()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					a.log.Debug("console input closed")
					return
				}
				select {
				case out <- transport.Inbound{Endpoint: ep, Text: line}:
				case <-ctx.Done():
					return
				}
			}
		}
	}(a.done)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	done := a.done
	a.runMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Reply(ctx context.Context, in transport.Inbound, text string) error {
	return a.Send(ctx, in.Endpoint, text)
}

func (a *Adapter) Send(ctx context.Context, to watch.Endpoint, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_, err := fmt.Fprintf(a.w, "[%s] %s\n", to.RecipientName, text)
	return err
}

func (a *Adapter) CreateDirect(ctx context.Context, to watch.Endpoint) (string, error) {
	return a.Endpoint().ConversationID, ctx.Err()
}
