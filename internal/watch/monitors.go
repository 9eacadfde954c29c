package watch

import (
	"sync"
	"time"
)

// Entry is one monitored URL and its last observed content.
// An empty Content means the URL has not been fetched successfully yet.
type Entry struct {
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	AddedAt   time.Time `json:"added_at"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	// Rev orders writes of the same URL: every Add, Replace and Remove takes the
	// next value of the store's counter, so a persisted copy with a lower Rev is
	// older than one with a higher Rev.
	Rev uint64 `json:"rev,omitempty"`
}

// Seen reports whether a baseline snapshot exists.
func (e Entry) Seen() bool { return e.Content != "" }

// Monitors maps URL keys to entries, keeping insertion order.
type Monitors struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	rev     uint64
	now     func() time.Time
}

func NewMonitors() *Monitors {
	return &Monitors{entries: map[string]*Entry{}, now: time.Now}
}

// Add starts monitoring url with an empty snapshot.
func (m *Monitors) Add(url string) (Entry, error) {
	if url == "" {
		return Entry{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[url]; ok {
		return Entry{}, ErrAlreadyMonitored
	}
	m.rev++
	e := &Entry{URL: url, AddedAt: m.now(), Rev: m.rev}
	m.entries[url] = e
	m.order = append(m.order, url)
	return *e, nil
}

// Remove stops monitoring url and returns the revision of the removal.
func (m *Monitors) Remove(url string) (uint64, error) {
	if url == "" {
		return 0, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[url]; !ok {
		return 0, ErrNotMonitored
	}
	m.rev++
	delete(m.entries, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return m.rev, nil
}

// URLs returns the monitored keys in insertion order.
func (m *Monitors) URLs() []string {
	m.mu.RLock()
	out := append([]string(nil), m.order...)
	m.mu.RUnlock()
	return out
}

// Entries returns copies of all entries in insertion order.
func (m *Monitors) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.order))
	for _, u := range m.order {
		out = append(out, *m.entries[u])
	}
	return out
}

func (m *Monitors) Get(url string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[url]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (m *Monitors) Len() int {
	m.mu.RLock()
	n := len(m.order)
	m.mu.RUnlock()
	return n
}

// Replace swaps the snapshot of url from expected to content.
//
// It is a compare-and-swap: nothing happens (and false is returned) when url is no
// longer monitored or its snapshot no longer equals expected, e.g. because the URL was
// removed and re-added while a fetch was in flight.
func (m *Monitors) Replace(url, expected, content string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok || e.Content != expected {
		return Entry{}, false
	}
	now := m.now()
	if e.Content != content {
		e.Content = content
		e.ChangedAt = now
	}
	e.CheckedAt = now
	e.Failures = 0
	m.rev++
	e.Rev = m.rev
	return *e, true
}

// RecordFailure bumps the consecutive failure counter of url and returns it.
// It returns 0 if url is not monitored.
func (m *Monitors) RecordFailure(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return 0
	}
	e.Failures++
	e.CheckedAt = m.now()
	return e.Failures
}

// Restore loads previously persisted entries, keeping the given order.
// Existing keys are overwritten in place. The revision counter moves past every
// restored Rev.
func (m *Monitors) Restore(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		m.rev = max(m.rev, e.Rev)
		cp := e
		if _, ok := m.entries[e.URL]; !ok {
			m.order = append(m.order, e.URL)
		}
		m.entries[e.URL] = &cp
	}
}
