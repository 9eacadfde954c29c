package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/watch"
)

func TestObserve(t *testing.T) {
	t.Parallel()

	m := New(nil, nil)
	events := []eventbus.Event{
		{Type: eventbus.TypePollCycle, Data: eventbus.CycleEvent{Duration: 120 * time.Millisecond}},
		{Type: eventbus.TypePollCycle, Data: eventbus.CycleEvent{}},
		{Type: eventbus.TypeFetchFailed, Data: eventbus.MonitorEvent{URL: "u"}},
		{Type: eventbus.TypeMonitorChanged, Data: eventbus.MonitorEvent{URL: "u"}},
		{Type: eventbus.TypeMonitorAdded},
		{Type: eventbus.TypeMonitorAdded},
		{Type: eventbus.TypeMonitorRemoved},
		{Type: eventbus.TypeRecipientAdded},
		{Type: eventbus.TypeNotifySent},
		{Type: eventbus.TypeNotifySent},
		{Type: eventbus.TypeNotifyFailed},
		{Type: eventbus.TypeCommand, Data: eventbus.CommandEvent{Command: "~add", OK: true}},
		{Type: eventbus.TypeCommand, Data: eventbus.CommandEvent{Command: "~add", OK: false}},
		{Type: "something.else"},
	}
	for _, e := range events {
		m.Observe(e)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"cycles", testutil.ToFloat64(m.cycles), 2},
		{"fetch failures", testutil.ToFloat64(m.fetchFailures), 1},
		{"changes", testutil.ToFloat64(m.changes), 1},
		{"adds", testutil.ToFloat64(m.monitorOps.WithLabelValues("add")), 2},
		{"removes", testutil.ToFloat64(m.monitorOps.WithLabelValues("remove")), 1},
		{"recipients", testutil.ToFloat64(m.recipientsNew), 1},
		{"sent", testutil.ToFloat64(m.notifications.WithLabelValues("sent")), 2},
		{"failed", testutil.ToFloat64(m.notifications.WithLabelValues("failed")), 1},
		{"add ok", testutil.ToFloat64(m.commands.WithLabelValues("~add", "true")), 1},
		{"add failed", testutil.ToFloat64(m.commands.WithLabelValues("~add", "false")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestGaugesReadStores(t *testing.T) {
	t.Parallel()

	monitors := watch.NewMonitors()
	if _, err := monitors.Add("https://example.com"); err != nil {
		t.Fatal(err)
	}
	registry := watch.NewRegistry(watch.Endpoint{RecipientID: "a"}, watch.Endpoint{RecipientID: "b"})

	m := New(monitors, registry)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"sitewatch_monitored_urls 1", "sitewatch_recipients 2", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	m := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.changes) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorChanged})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
