package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/storage"
	"sitewatch/internal/watch"
)

type fakeStore struct {
	mu         sync.Mutex
	monitors   []string
	deleted    []string
	recipients []watch.Endpoint
	delays     []float64
	audit      []storage.AuditEntry
}

func (f *fakeStore) PutMonitor(ctx context.Context, e watch.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors = append(f.monitors, e.URL)
	return nil
}

func (f *fakeStore) DeleteMonitor(ctx context.Context, url string, rev uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, url)
	return nil
}

func (f *fakeStore) PutRecipient(ctx context.Context, e watch.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, e)
	return nil
}

func (f *fakeStore) PutDelay(ctx context.Context, minutes float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, minutes)
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, e)
	return nil
}

type countingRescheduler struct {
	mu sync.Mutex
	n  int
}

func (r *countingRescheduler) Reschedule() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

type fixture struct {
	d        *Dispatcher
	monitors *watch.Monitors
	registry *watch.Registry
	settings *watch.Settings
	store    *fakeStore
	resched  *countingRescheduler
}

func newFixture() *fixture {
	f := &fixture{
		monitors: watch.NewMonitors(),
		registry: watch.NewRegistry(),
		settings: watch.NewSettings(watch.DefaultDelayMinutes),
		store:    &fakeStore{},
		resched:  &countingRescheduler{},
	}
	f.d = New(f.monitors, f.registry, f.settings, WithStore(f.store), WithRescheduler(f.resched))
	return f
}

func sender(id string) watch.Endpoint {
	return watch.Endpoint{
		RecipientID:    id,
		RecipientName:  "user" + id,
		BotID:          "bot",
		BotName:        "sitewatch",
		ServiceURL:     "https://api.telegram.org",
		ChannelID:      "telegram",
		ConversationID: id,
	}
}

func (f *fixture) send(text string) string {
	return f.d.Dispatch(context.Background(), text, sender("1"))
}

func TestAddURL(t *testing.T) {
	t.Parallel()
	f := newFixture()

	if got := f.send("~add http://x"); got != "http://x" {
		t.Fatalf("reply = %q", got)
	}
	if got := f.send("~add http://y"); got != "http://x, \nhttp://y" {
		t.Fatalf("reply = %q", got)
	}
	e, ok := f.monitors.Get("http://x")
	if !ok || e.Seen() {
		t.Fatalf("entry = %+v, %v; want unseen entry", e, ok)
	}
	if len(f.store.monitors) != 2 || len(f.store.audit) != 2 || !f.store.audit[0].OK {
		t.Fatalf("store = %+v", f.store)
	}
}

func TestAddURLValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
	}{
		{name: "missing argument", text: "~add"},
		{name: "blank argument", text: "~add    "},
		{name: "duplicate", text: "~add http://x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			if _, err := f.monitors.Add("http://x"); err != nil {
				t.Fatal(err)
			}
			if got := f.send(tt.text); got != "AddUrlToMonitor -> ERROR" {
				t.Fatalf("reply = %q", got)
			}
			if f.monitors.Len() != 1 {
				t.Fatalf("store mutated: %v", f.monitors.URLs())
			}
			if len(f.store.audit) != 1 || f.store.audit[0].OK {
				t.Fatalf("audit = %+v, want one failed entry", f.store.audit)
			}
		})
	}
}

func TestRemoveURL(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.send("~add http://x")
	f.send("~add http://y")

	if got := f.send("~remove http://x"); got != "http://y" {
		t.Fatalf("reply = %q", got)
	}
	if got := f.send("~remove http://x"); got != "RemoveUrl -> ERROR" {
		t.Fatalf("second remove reply = %q", got)
	}
	if got := f.send("~remove"); got != "RemoveUrl -> ERROR" {
		t.Fatalf("empty remove reply = %q", got)
	}
	if got := f.send("~remove http://y"); got != "" {
		t.Fatalf("remove last reply = %q, want empty list", got)
	}
	if len(f.store.deleted) != 2 {
		t.Fatalf("deleted = %v", f.store.deleted)
	}
}

func TestListCommands(t *testing.T) {
	t.Parallel()
	f := newFixture()
	want := "~add\n~list\n~remove\n~CMD_list\n~settings\n~set_delay\n~recipient_list"
	if got := f.send("~CMD_list"); got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestSettingsAndSetDelay(t *testing.T) {
	t.Parallel()
	f := newFixture()
	if got := f.send("~settings"); got != "SETTINGS: \n delay (min): 5\n" {
		t.Fatalf("settings = %q", got)
	}

	for _, v := range []string{"2.5", "10", "0.25", "1e1"} {
		want := fmt.Sprintf("SETTINGS: \n delay (min): %s\n", watch.FormatMinutes(mustParse(t, v)))
		if got := f.send("~set_delay " + v); got != want {
			t.Fatalf("set_delay %s = %q, want %q", v, got, want)
		}
		if got := f.send("~settings"); got != want {
			t.Fatalf("settings after %s = %q", v, got)
		}
	}
	if f.resched.n != 4 || len(f.store.delays) != 4 {
		t.Fatalf("reschedules=%d persisted=%v", f.resched.n, f.store.delays)
	}
}

func TestSetDelayRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		arg  string
		want string
	}{
		{arg: "abc", want: "ResetDelay -> ERROR"},
		{arg: "", want: "ResetDelay -> ERROR"},
		{arg: "0", want: "ResetDelay -> ERROR: delay must be greater than 0"},
		{arg: "0.0", want: "ResetDelay -> ERROR: delay must be greater than 0"},
		{arg: "-3", want: "ResetDelay -> ERROR: invalid delay"},
		{arg: "NaN", want: "ResetDelay -> ERROR: invalid delay"},
		{arg: "+Inf", want: "ResetDelay -> ERROR: invalid delay"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("arg="+tt.arg, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			if got := f.send(strings.TrimSpace("~set_delay " + tt.arg)); got != tt.want {
				t.Fatalf("reply = %q, want %q", got, tt.want)
			}
			if f.settings.Delay() != watch.DefaultDelayMinutes {
				t.Fatalf("delay changed to %v", f.settings.Delay())
			}
			if f.resched.n != 0 || len(f.store.delays) != 0 {
				t.Fatal("rejected delay must not be applied")
			}
		})
	}
}

func TestRecipientRegistrationAndList(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.d

	d.Dispatch(context.Background(), "", sender("1"))
	d.Dispatch(context.Background(), "hello", sender("1"))
	if f.registry.Len() != 1 || len(f.store.recipients) != 1 {
		t.Fatalf("registry=%d persisted=%d, want 1/1", f.registry.Len(), len(f.store.recipients))
	}

	got := d.Dispatch(context.Background(), "~recipient_list", sender("2"))
	want := sender("1").String() + "\n, " + sender("2").String()
	if got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
	if !strings.Contains(got, `"to_id":"1"`) || !strings.Contains(got, `"conversation_id":"2"`) {
		t.Fatalf("serialized form missing fields: %q", got)
	}
}

func TestUndefinedCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want string
	}{
		{text: "~foo", want: "cmd '~foo' not found"},
		{text: "please ~foo now", want: "cmd '~foo' not found"},
		{text: "~ADD http://x", want: "cmd '~ADD' not found"},
		{text: "hello there", want: "cmd '' not found"},
	}
	for _, tt := range tests {
		f := newFixture()
		if got := f.send(tt.text); got != tt.want {
			t.Fatalf("Dispatch(%q) = %q, want %q", tt.text, got, tt.want)
		}
		if f.monitors.Len() != 0 || f.settings.Delay() != watch.DefaultDelayMinutes || len(f.store.audit) != 0 {
			t.Fatalf("Dispatch(%q) mutated state", tt.text)
		}
	}
}

func TestEmptyTextNoReply(t *testing.T) {
	t.Parallel()
	f := newFixture()
	for _, text := range []string{"", "   ", "\n\t"} {
		if got := f.send(text); got != "" {
			t.Fatalf("Dispatch(%q) = %q, want no reply", text, got)
		}
	}
	if f.registry.Len() != 1 {
		t.Fatalf("sender not registered")
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.d.register(Command{Name: "~boom", Handle: func(context.Context, *Request) (string, error) {
		panic("kaboom")
	}})
	if got := f.send("~boom"); got != "~boom -> ERROR" {
		t.Fatalf("reply = %q", got)
	}
	if got := f.send("~settings"); !strings.HasPrefix(got, "SETTINGS:") {
		t.Fatalf("dispatcher unusable after panic: %q", got)
	}
}

func TestCommandEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(watch.NewMonitors(), watch.NewRegistry(), watch.NewSettings(0), WithBus(bus))
	d.Dispatch(context.Background(), "~add http://x", sender("1"))

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{eventbus.TypeRecipientAdded, eventbus.TypeMonitorAdded, eventbus.TypeCommand}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.d.Dispatch(context.Background(), fmt.Sprintf("~add http://%d", i), sender(fmt.Sprint(i%5)))
			f.d.Dispatch(context.Background(), "~list", sender("0"))
		}(i)
	}
	wg.Wait()
	if f.monitors.Len() != 50 {
		t.Fatalf("monitors = %d, want 50", f.monitors.Len())
	}
	if f.registry.Len() != 5 {
		t.Fatalf("registry = %d, want 5", f.registry.Len())
	}
}

func mustParse(t *testing.T, s string) float64 {
	t.Helper()
	var v float64
	if _, err := fmt.Sscan(s, &v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}
