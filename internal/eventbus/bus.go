// Package eventbus fans out in-process events to the metrics collector and the
// debug event log.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by sitewatch components.
const (
	TypePollCycle      = "poller.cycle"
	TypeFetchFailed    = "poller.fetch_failed"
	TypeMonitorChanged = "monitor.changed"
	TypeMonitorAdded   = "monitor.added"
	TypeMonitorRemoved = "monitor.removed"
	TypeRecipientAdded = "recipient.added"
	TypeNotifySent     = "notify.sent"
	TypeNotifyFailed   = "notify.failed"
	TypeCommand        = "command.handled"
)

// Event is an in-memory signal between components. Publish never blocks; a
// subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CycleEvent is the payload of TypePollCycle.
type CycleEvent struct {
	ID       string        `json:"id"`
	Checked  int           `json:"checked"`
	Failed   int           `json:"failed"`
	Changed  int           `json:"changed"`
	Duration time.Duration `json:"duration"`
}

// MonitorEvent is the payload of monitor.* and poller.fetch_failed events.
type MonitorEvent struct {
	URL      string `json:"url"`
	Failures int    `json:"failures,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NotifyEvent is the payload of notify.* events.
type NotifyEvent struct {
	RecipientID    string `json:"recipient_id"`
	ConversationID string `json:"conversation_id"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// CommandEvent is the payload of TypeCommand.
type CommandEvent struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It does not own any goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

// Publish delivers e to every subscriber with room in its buffer. The read lock
// is held while sending so unsubscribe cannot close a channel mid-send; sends
// never block, so the lock is short.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
