package dispatch

import (
	"context"
	"strconv"
	"strings"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/watch"
)

// Handler names used in validation replies.
const (
	handlerAdd      = "AddUrlToMonitor"
	handlerRemove   = "RemoveUrl"
	handlerSetDelay = "ResetDelay"
)

func (d *Dispatcher) registerBuiltins() {
	d.register(Command{Name: CmdAdd, Mutates: true, Handle: d.addURL})
	d.register(Command{Name: CmdList, Handle: d.listURLs})
	d.register(Command{Name: CmdRemove, Mutates: true, Handle: d.removeURL})
	d.register(Command{Name: CmdCommands, Handle: d.listCommands})
	d.register(Command{Name: CmdSettings, Handle: d.showSettings})
	d.register(Command{Name: CmdSetDelay, Mutates: true, Handle: d.setDelay})
	d.register(Command{Name: CmdRecipientList, Handle: d.showRecipients})
}

func (d *Dispatcher) addURL(ctx context.Context, req *Request) (string, error) {
	e, err := d.monitors.Add(req.Arg)
	if err != nil {
		return "", invalid(handlerAdd, err)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorAdded, Data: eventbus.MonitorEvent{URL: e.URL}})
	d.persist(ctx, "monitor", func(c context.Context, p Persister) error { return p.PutMonitor(c, e) })
	return d.listURLs(ctx, req)
}

func (d *Dispatcher) removeURL(ctx context.Context, req *Request) (string, error) {
	rev, err := d.monitors.Remove(req.Arg)
	if err != nil {
		return "", invalid(handlerRemove, err)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorRemoved, Data: eventbus.MonitorEvent{URL: req.Arg}})
	d.persist(ctx, "monitor", func(c context.Context, p Persister) error { return p.DeleteMonitor(c, req.Arg, rev) })
	return d.listURLs(ctx, req)
}

func (d *Dispatcher) listURLs(context.Context, *Request) (string, error) {
	return strings.Join(d.monitors.URLs(), ", \n"), nil
}

func (d *Dispatcher) listCommands(context.Context, *Request) (string, error) {
	return strings.Join(d.Commands(), "\n"), nil
}

func (d *Dispatcher) showSettings(context.Context, *Request) (string, error) {
	return "SETTINGS: \n delay (min): " + watch.FormatMinutes(d.settings.Delay()) + "\n", nil
}

func (d *Dispatcher) setDelay(ctx context.Context, req *Request) (string, error) {
	minutes, err := strconv.ParseFloat(req.Arg, 64)
	if err != nil {
		return "", invalid(handlerSetDelay, watch.ErrInvalidArgument)
	}
	if err := d.settings.SetDelay(minutes); err != nil {
		ve := invalid(handlerSetDelay, err)
		ve.Detail = err.Error()
		return "", ve
	}
	if d.rescheduler != nil {
		d.rescheduler.Reschedule()
	}
	d.persist(ctx, "delay", func(c context.Context, p Persister) error { return p.PutDelay(c, minutes) })
	return d.showSettings(ctx, req)
}

func (d *Dispatcher) showRecipients(context.Context, *Request) (string, error) {
	eps := d.registry.Snapshot()
	parts := make([]string, 0, len(eps))
	for _, e := range eps {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "\n, "), nil
}
