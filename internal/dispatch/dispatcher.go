package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/storage"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

// Command tokens.
const (
	CmdAdd           = "~add"
	CmdRemove        = "~remove"
	CmdList          = "~list"
	CmdCommands      = "~CMD_list"
	CmdSettings      = "~settings"
	CmdSetDelay      = "~set_delay"
	CmdRecipientList = "~recipient_list"
)

const commandMarker = "~"

// Persister is the subset of storage.Store the dispatcher writes through.
type Persister interface {
	PutMonitor(ctx context.Context, e watch.Entry) error
	DeleteMonitor(ctx context.Context, url string, rev uint64) error
	PutRecipient(ctx context.Context, e watch.Endpoint) error
	PutDelay(ctx context.Context, minutes float64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Rescheduler is told when the poll delay changes.
type Rescheduler interface {
	Reschedule()
}

type Request struct {
	From    watch.Endpoint
	Text    string
	Command string
	// Arg is the second token of Text, "" if there is none.
	Arg    string
	ReqID  string
	Logger logx.Logger
}

type Command struct {
	Name string
	// Mutates marks commands that change state; they are written to the audit log.
	Mutates bool
	Handle  HandlerFunc
}

type Dispatcher struct {
	monitors *watch.Monitors
	registry *watch.Registry
	settings *watch.Settings

	store       Persister
	rescheduler Rescheduler
	bus         eventbus.Bus
	log         logx.Logger

	timeout        time.Duration
	persistTimeout time.Duration

	commands map[string]Command
	order    []string
	chain    []Middleware
}

type Option func(*Dispatcher)

func WithStore(p Persister) Option { return func(d *Dispatcher) { d.store = p } }

func WithRescheduler(r Rescheduler) Option { return func(d *Dispatcher) { d.rescheduler = r } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

// WithTimeout bounds a single command, persistence included.
func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

func New(m *watch.Monitors, r *watch.Registry, s *watch.Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		monitors:       m,
		registry:       r,
		settings:       s,
		bus:            eventbus.Nop(),
		log:            logx.Nop(),
		timeout:        10 * time.Second,
		persistTimeout: 2 * time.Second,
		commands:       map[string]Command{},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	d.chain = []Middleware{
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(d.timeout),
	}
	d.registerBuiltins()
	return d
}

func (d *Dispatcher) register(c Command) {
	if _, ok := d.commands[c.Name]; !ok {
		d.order = append(d.order, c.Name)
	}
	d.commands[c.Name] = c
}

// Commands returns the command tokens in the order ~CMD_list shows them.
func (d *Dispatcher) Commands() []string {
	return append([]string(nil), d.order...)
}

// Dispatch handles one inbound message and returns the reply text.
// An empty reply means nothing should be sent back.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, from watch.Endpoint) string {
	if d.registry.Register(from) {
		d.log.Info("recipient registered",
			logx.String("to_id", from.RecipientID),
			logx.String("channel", from.ChannelID),
			logx.String("conversation", from.ConversationID),
		)
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeRecipientAdded, Data: eventbus.NotifyEvent{
			RecipientID:    from.RecipientID,
			ConversationID: from.ConversationID,
		}})
		d.persist(ctx, "recipient", func(c context.Context, p Persister) error { return p.PutRecipient(c, from) })
	}

	if strings.TrimSpace(text) == "" {
		return ""
	}

	tokens := strings.Fields(text)
	req := &Request{
		From:    from,
		Text:    text,
		Command: commandToken(tokens),
		ReqID:   newReqID(),
	}
	if len(tokens) > 1 {
		req.Arg = tokens[1]
	}
	req.Logger = d.log.With(logx.String("req_id", req.ReqID))

	cmd, ok := d.commands[req.Command]
	if !ok {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommand, Data: eventbus.CommandEvent{Command: "undefined", OK: false}})
		req.Logger.Debug("undefined command", logx.String("cmd", req.Command))
		return "cmd '" + req.Command + "' not found"
	}

	start := time.Now()
	reply, err := Chain(cmd.Handle, d.chain...)(ctx, req)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommand, Data: eventbus.CommandEvent{Command: cmd.Name, OK: err == nil}})

	if cmd.Mutates {
		entry := storage.AuditEntry{
			At:         start,
			ActorID:    from.RecipientID,
			ActorName:  from.RecipientName,
			ChannelID:  from.ChannelID,
			Command:    cmd.Name,
			Argument:   req.Arg,
			OK:         err == nil,
			RequestID:  req.ReqID,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		d.persist(ctx, "audit", func(c context.Context, p Persister) error { return p.AppendAudit(c, entry) })
	}

	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
		return cmd.Name + " -> ERROR"
	}
	return reply
}

// commandToken returns the first token containing the command marker, or "".
func commandToken(tokens []string) string {
	for _, t := range tokens {
		if strings.Contains(t, commandMarker) {
			return t
		}
	}
	return ""
}

// persist runs a best-effort write; failures are logged and never reach the user.
func (d *Dispatcher) persist(ctx context.Context, what string, fn func(context.Context, Persister) error) {
	if d.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.persistTimeout)
	defer cancel()
	if err := fn(pctx, d.store); err != nil {
		d.log.Warn("persist failed", logx.String("what", what), logx.Err(err))
	}
}

// newReqID returns a short id that ties together the log lines of one command.
func newReqID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}
