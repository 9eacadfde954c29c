package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

func testEndpoint(id string) watch.Endpoint {
	return watch.Endpoint{
		RecipientID:    id,
		RecipientName:  "user-" + id,
		BotID:          "bot",
		BotName:        "sitewatch",
		ServiceURL:     "https://api.telegram.org",
		ChannelID:      "telegram",
		ConversationID: id,
	}
}

func openTest(t *testing.T, driver, path string, compact int) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, CompactEvery: compact}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		driver  string
		file    string
		compact int
	}{
		{name: "file", driver: "file", file: "state.json"},
		{name: "file compacting", driver: "file", file: "state.json", compact: 2},
		{name: "sqlite", driver: "sqlite", file: "state.db"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), tt.file)
			added := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

			st := openTest(t, tt.driver, path, tt.compact)
			steps := []func() error{
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "https://a.example", AddedAt: added, Rev: 1}) },
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "https://b.example", AddedAt: added, Rev: 2}) },
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "https://c.example", AddedAt: added, Rev: 3}) },
				func() error {
					return st.PutMonitor(ctx, watch.Entry{URL: "https://a.example", Content: "v1", AddedAt: added, ChangedAt: added, Rev: 4})
				},
				func() error { return st.DeleteMonitor(ctx, "https://b.example", 5) },
				func() error { return st.PutRecipient(ctx, testEndpoint("1")) },
				func() error { return st.PutRecipient(ctx, testEndpoint("2")) },
				func() error { return st.PutRecipient(ctx, testEndpoint("1")) },
				func() error { return st.PutDelay(ctx, 2.5) },
				func() error {
					return st.AppendAudit(ctx, AuditEntry{ActorID: "1", Command: "~add", Argument: "https://a.example", OK: true})
				},
			}
			for i, step := range steps {
				if err := step(); err != nil {
					t.Fatalf("step %d error: %v", i, err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st = openTest(t, tt.driver, path, tt.compact)
			defer st.Close()
			got, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}

			if len(got.Monitors) != 2 {
				t.Fatalf("monitors = %+v, want 2 entries", got.Monitors)
			}
			if got.Monitors[0].URL != "https://a.example" || got.Monitors[1].URL != "https://c.example" {
				t.Fatalf("monitor order = %s, %s", got.Monitors[0].URL, got.Monitors[1].URL)
			}
			if got.Monitors[0].Content != "v1" || got.Monitors[0].Rev != 4 {
				t.Fatalf("entry a = %+v, want content v1 at rev 4", got.Monitors[0])
			}
			if !got.Monitors[0].ChangedAt.Equal(added) {
				t.Fatalf("ChangedAt = %v, want %v", got.Monitors[0].ChangedAt, added)
			}
			if !got.Monitors[1].CheckedAt.IsZero() {
				t.Fatalf("CheckedAt = %v, want zero", got.Monitors[1].CheckedAt)
			}
			if len(got.Recipients) != 2 || got.Recipients[0] != testEndpoint("1") || got.Recipients[1] != testEndpoint("2") {
				t.Fatalf("recipients = %+v", got.Recipients)
			}
			if got.DelayMinutes != 2.5 {
				t.Fatalf("DelayMinutes = %v, want 2.5", got.DelayMinutes)
			}
		})
	}
}

func TestStoreOrdersMonitorWritesByRevision(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")
			st := openTest(t, driver, path, 0)

			steps := []func() error{
				// Removed while a poll was in flight; the poll result lands last.
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "http://removed", Rev: 1}) },
				func() error { return st.DeleteMonitor(ctx, "http://removed", 3) },
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "http://removed", Content: "v2", Rev: 2}) },
				// The add is persisted after the first poll result.
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "http://added", Content: "v1", Rev: 5}) },
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "http://added", Rev: 4}) },
				// Re-added after a removal, and the removal is persisted last.
				func() error { return st.PutMonitor(ctx, watch.Entry{URL: "http://readded", Rev: 8}) },
				func() error { return st.DeleteMonitor(ctx, "http://readded", 7) },
			}
			for i, step := range steps {
				if err := step(); err != nil {
					t.Fatalf("step %d error: %v", i, err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st = openTest(t, driver, path, 0)
			defer st.Close()
			got, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			byURL := map[string]watch.Entry{}
			for _, e := range got.Monitors {
				byURL[e.URL] = e
			}
			if e, ok := byURL["http://removed"]; ok {
				t.Fatalf("removed URL came back: %+v", e)
			}
			if e := byURL["http://added"]; e.Content != "v1" || e.Rev != 5 {
				t.Fatalf("added URL = %+v, want baseline v1 at rev 5", e)
			}
			if _, ok := byURL["http://readded"]; !ok {
				t.Fatalf("re-added URL lost: %+v", got.Monitors)
			}

			// Removals only order writes of the process that made them.
			if err := st.PutMonitor(ctx, watch.Entry{URL: "http://removed", Rev: 9}); err != nil {
				t.Fatalf("PutMonitor after reopen: %v", err)
			}
			got, err = st.Load(ctx)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if len(got.Monitors) != 3 {
				t.Fatalf("monitors after re-add = %+v, want 3", got.Monitors)
			}
		})
	}
}

func TestFileJournalReplaysLargeRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	// '<' is escaped to six bytes in JSON, so the journal line exceeds 32 MiB.
	page := strings.Repeat("<", 6<<20)

	st := openTest(t, "file", path, 1000)
	if err := st.PutMonitor(ctx, watch.Entry{URL: "http://big", Content: page, Rev: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutMonitor(ctx, watch.Entry{URL: "http://after", Rev: 2}); err != nil {
		t.Fatal(err)
	}
	// Reopen without Close so the state comes from the journal, not a snapshot.
	reopened := openTest(t, "file", path, 1000)
	defer reopened.Close()
	defer st.Close()

	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Monitors) != 2 || got.Monitors[0].Content != page || got.Monitors[1].URL != "http://after" {
		t.Fatalf("replayed %d monitors", len(got.Monitors))
	}
}

func TestStoreEmptyLoad(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		st := openTest(t, driver, filepath.Join(t.TempDir(), "empty.db"), 0)
		got, err := st.Load(context.Background())
		_ = st.Close()
		if err != nil {
			t.Fatalf("%s: Load error: %v", driver, err)
		}
		if len(got.Monitors) != 0 || len(got.Recipients) != 0 || got.DelayMinutes != 0 {
			t.Fatalf("%s: expected empty state, got %+v", driver, got)
		}
	}
}

func TestStoreClosed(t *testing.T) {
	t.Parallel()
	st := openTest(t, "file", filepath.Join(t.TempDir(), "s.json"), 0)
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := st.PutDelay(context.Background(), 1); err != ErrClosed {
		t.Fatalf("PutDelay after Close = %v, want ErrClosed", err)
	}
}
