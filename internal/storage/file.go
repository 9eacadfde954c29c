package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.state.json     (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal of state changes)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile   *os.File
	journalFile *os.File
	statePath   string

	// in-memory mirror used for compaction
	order      []string
	monitors   map[string]watch.Entry
	recipients []watch.Endpoint
	delay      float64

	// revs is the last applied monitor revision per URL, removed URLs included.
	// It only orders writes within one process and starts empty after open.
	revs map[string]uint64

	writes       int
	compactEvery int
}

const (
	opMonitorPut    = "monitor.put"
	opMonitorDelete = "monitor.delete"
	opRecipientPut  = "recipient.put"
	opDelayPut      = "delay.put"
)

type journalRecord struct {
	Op        string          `json:"op"`
	Monitor   *watch.Entry    `json:"monitor,omitempty"`
	URL       string          `json:"url,omitempty"`
	Rev       uint64          `json:"rev,omitempty"`
	Recipient *watch.Endpoint `json:"recipient,omitempty"`
	Delay     float64         `json:"delay,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		statePath:    prefix + ".state.json",
		monitors:     map[string]watch.Entry{},
		revs:         map[string]uint64{},
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 500
	}

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay incomplete", logx.Err(err))
	}
	clear(s.revs)

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("final compact failed", logx.Err(err))
		}
	}
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Recipients:   append([]watch.Endpoint(nil), s.recipients...),
		DelayMinutes: s.delay,
	}
	for _, u := range s.order {
		st.Monitors = append(st.Monitors, s.monitors[u])
	}
	return st, nil
}

func (s *fileStore) PutMonitor(ctx context.Context, e watch.Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opMonitorPut, Monitor: &e}
	if !s.applyLocked(r) {
		return nil
	}
	return s.appendLocked(r)
}

func (s *fileStore) DeleteMonitor(ctx context.Context, url string, rev uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opMonitorDelete, URL: url, Rev: rev}
	if !s.applyLocked(r) {
		return nil
	}
	return s.appendLocked(r)
}

func (s *fileStore) PutRecipient(ctx context.Context, e watch.Endpoint) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.applyLocked(journalRecord{Op: opRecipientPut, Recipient: &e}) {
		return nil
	}
	return s.appendLocked(journalRecord{Op: opRecipientPut, Recipient: &e})
}

func (s *fileStore) PutDelay(ctx context.Context, minutes float64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(journalRecord{Op: opDelayPut, Delay: minutes})
	return s.appendLocked(journalRecord{Op: opDelayPut, Delay: minutes})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// applyLocked updates the in-memory mirror and reports whether anything changed.
func (s *fileStore) applyLocked(r journalRecord) bool {
	switch r.Op {
	case opMonitorPut:
		if r.Monitor == nil || r.Monitor.URL == "" {
			return false
		}
		if stale(s.revs[r.Monitor.URL], r.Monitor.Rev) {
			return false
		}
		s.revs[r.Monitor.URL] = r.Monitor.Rev
		if _, ok := s.monitors[r.Monitor.URL]; !ok {
			s.order = append(s.order, r.Monitor.URL)
		}
		s.monitors[r.Monitor.URL] = *r.Monitor
	case opMonitorDelete:
		last := s.revs[r.URL]
		if stale(last, r.Rev) {
			return false
		}
		s.revs[r.URL] = max(last, r.Rev)
		if _, ok := s.monitors[r.URL]; !ok {
			return false
		}
		delete(s.monitors, r.URL)
		for i, u := range s.order {
			if u == r.URL {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	case opRecipientPut:
		if r.Recipient == nil {
			return false
		}
		for _, have := range s.recipients {
			if have == *r.Recipient {
				return false
			}
		}
		s.recipients = append(s.recipients, *r.Recipient)
	case opDelayPut:
		s.delay = r.Delay
	default:
		return false
	}
	return true
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	st := State{Recipients: s.recipients, DelayMinutes: s.delay}
	for _, u := range s.order {
		st.Monitors = append(st.Monitors, s.monitors[u])
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.statePath)
	if err != nil {
		return err
	}
	defer f.Close()
	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for i := range st.Monitors {
		s.applyLocked(journalRecord{Op: opMonitorPut, Monitor: &st.Monitors[i]})
	}
	for i := range st.Recipients {
		s.applyLocked(journalRecord{Op: opRecipientPut, Recipient: &st.Recipients[i]})
	}
	s.delay = st.DelayMinutes
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// Records hold whole pages, so they are decoded as a stream rather than
	// split into lines of bounded size. A torn last record ends the replay.
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var r journalRecord
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.applyLocked(r)
	}
}
