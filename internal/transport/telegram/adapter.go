// Package telegram is the Telegram transport, built on telebot.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "sitewatch/internal/runtime/supervisor"
	"sitewatch/internal/transport"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

// ChannelID is the channel id of every Telegram endpoint.
const ChannelID = "telegram"

const defaultAPIURL = "https://api.telegram.org"

type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg    Config
	apiURL string
	log    logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Inbound)
	runMu   sync.Mutex
	running bool

	// sup owns adapter goroutines (poll loop, drop report, stop watcher).
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    apiURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:    cfg,
		apiURL: apiURL,
		log:    log.With(logx.String("comp", "telegram")),
		bot:    b,
	}
	var nilOut chan<- transport.Inbound
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.forward(m, m.Text)
		}
		return nil
	})
	// Media without a caption still registers the sender.
	a.bot.Handle(tele.OnMedia, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.forward(m, m.Caption)
		}
		return nil
	})
}

func (a *Adapter) forward(m *tele.Message, text string) {
	if m.Sender == nil || m.Chat == nil {
		return
	}
	a.sendUpdate(transport.Inbound{Endpoint: a.endpointFor(m), Text: text})
}

// endpointFor describes where a reply or notification for m's sender goes.
func (a *Adapter) endpointFor(m *tele.Message) watch.Endpoint {
	ep := watch.Endpoint{
		RecipientID:    strconv.FormatInt(m.Sender.ID, 10),
		RecipientName:  displayName(m.Sender),
		ServiceURL:     a.apiURL,
		ChannelID:      ChannelID,
		ConversationID: FormatConversation(m.Chat.ID, m.ThreadID),
	}
	if me := a.bot.Me; me != nil {
		ep.BotID = strconv.FormatInt(me.ID, 10)
		ep.BotName = me.Username
	}
	return ep
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (a *Adapter) sendUpdate(in transport.Inbound) {
	out, _ := a.out.Load().(chan<- transport.Inbound)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Inbound) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() can return in some failure modes; restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Inbound
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	// Cancel triggers telebot.stop_on_cancel; a second bot.Stop would block.
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Debug("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, in transport.Inbound, text string) error {
	return a.Send(ctx, in.Endpoint, text)
}

// Send delivers text to the endpoint's conversation, split into several messages
// when it exceeds Telegram's size limit.
func (a *Adapter) Send(ctx context.Context, to watch.Endpoint, text string) error {
	if text == "" {
		return nil
	}
	chatID, threadID, err := ParseConversation(to.ConversationID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateDirect returns the private chat with the endpoint's recipient. In Telegram
// the private chat id equals the user id; the user must have started the bot.
func (a *Adapter) CreateDirect(ctx context.Context, to watch.Endpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := strconv.ParseInt(to.RecipientID, 10, 64)
	if err != nil || id <= 0 {
		return "", errors.New("telegram recipient id is not a user id: " + to.RecipientID)
	}
	return FormatConversation(id, 0), nil
}
