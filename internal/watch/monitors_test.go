package watch

import (
	"errors"
	"reflect"
	"testing"
)

func TestMonitorsAddRemove(t *testing.T) {
	t.Parallel()
	m := NewMonitors()

	e, err := m.Add("http://a")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.Seen() {
		t.Fatal("new entry must be unseen")
	}
	if _, err := m.Add("http://a"); !errors.Is(err, ErrAlreadyMonitored) {
		t.Fatalf("duplicate Add err = %v, want ErrAlreadyMonitored", err)
	}
	if _, err := m.Add(""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty Add err = %v, want ErrInvalidArgument", err)
	}
	_, _ = m.Add("http://b")
	_, _ = m.Add("http://c")

	if got, want := m.URLs(), []string{"http://a", "http://b", "http://c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs = %v, want %v", got, want)
	}
	if _, err := m.Remove("http://b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Remove("http://b"); !errors.Is(err, ErrNotMonitored) {
		t.Fatalf("second Remove err = %v, want ErrNotMonitored", err)
	}
	if got, want := m.URLs(), []string{"http://a", "http://c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs = %v, want %v", got, want)
	}
}

func TestMonitorsReplaceIsCompareAndSwap(t *testing.T) {
	t.Parallel()
	m := NewMonitors()
	_, _ = m.Add("http://x")

	if _, ok := m.Replace("http://x", "", "v1"); !ok {
		t.Fatal("baseline replace failed")
	}
	if _, ok := m.Replace("http://x", "", "v2"); ok {
		t.Fatal("replace with stale expectation must fail")
	}
	e, ok := m.Replace("http://x", "v1", "v2")
	if !ok {
		t.Fatal("replace with current expectation failed")
	}
	if e.Content != "v2" || e.ChangedAt.IsZero() {
		t.Fatalf("unexpected entry after replace: %+v", e)
	}

	_, _ = m.Remove("http://x")
	if _, ok := m.Replace("http://x", "v2", "v3"); ok {
		t.Fatal("replace on removed key must fail")
	}
}

func TestMonitorsFailureCounter(t *testing.T) {
	t.Parallel()
	m := NewMonitors()
	_, _ = m.Add("http://x")
	if n := m.RecordFailure("http://x"); n != 1 {
		t.Fatalf("failures = %d, want 1", n)
	}
	if n := m.RecordFailure("http://x"); n != 2 {
		t.Fatalf("failures = %d, want 2", n)
	}
	m.Replace("http://x", "", "v1")
	if e, _ := m.Get("http://x"); e.Failures != 0 {
		t.Fatalf("failures after success = %d, want 0", e.Failures)
	}
	if n := m.RecordFailure("http://missing"); n != 0 {
		t.Fatalf("failures for missing url = %d, want 0", n)
	}
}

func TestMonitorsRestoreKeepsOrder(t *testing.T) {
	t.Parallel()
	m := NewMonitors()
	m.Restore([]Entry{{URL: "http://b", Content: "x"}, {URL: ""}, {URL: "http://a"}})
	if got, want := m.URLs(), []string{"http://b", "http://a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs = %v, want %v", got, want)
	}
	if e, _ := m.Get("http://b"); !e.Seen() {
		t.Fatal("restored snapshot lost")
	}
}

func TestMonitorsRevisionsIncrease(t *testing.T) {
	t.Parallel()
	m := NewMonitors()
	m.Restore([]Entry{{URL: "http://old", Content: "x", Rev: 7}})

	added, _ := m.Add("http://x")
	if added.Rev != 8 {
		t.Fatalf("Add rev = %d, want 8", added.Rev)
	}
	base, _ := m.Replace("http://x", "", "v1")
	if base.Rev <= added.Rev {
		t.Fatalf("Replace rev %d not after Add rev %d", base.Rev, added.Rev)
	}
	removed, err := m.Remove("http://x")
	if err != nil || removed <= base.Rev {
		t.Fatalf("Remove rev = %d, %v; want > %d", removed, err, base.Rev)
	}
	again, _ := m.Add("http://x")
	if again.Rev <= removed {
		t.Fatalf("re-Add rev %d not after Remove rev %d", again.Rev, removed)
	}
}
