package watch

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// DefaultDelayMinutes is the poll delay used when nothing else is configured.
const DefaultDelayMinutes = 5.0

// Settings holds process-wide tunables changed through chat commands.
type Settings struct {
	mu    sync.RWMutex
	delay float64
}

func NewSettings(delayMinutes float64) *Settings {
	if ValidateDelay(delayMinutes) != nil {
		delayMinutes = DefaultDelayMinutes
	}
	return &Settings{delay: delayMinutes}
}

// Delay returns the poll delay in minutes.
func (s *Settings) Delay() float64 {
	s.mu.RLock()
	d := s.delay
	s.mu.RUnlock()
	return d
}

// DelayDuration returns the poll delay as a time.Duration.
func (s *Settings) DelayDuration() time.Duration {
	return MinutesToDuration(s.Delay())
}

// SetDelay replaces the poll delay.
func (s *Settings) SetDelay(minutes float64) error {
	if err := ValidateDelay(minutes); err != nil {
		return err
	}
	s.mu.Lock()
	s.delay = minutes
	s.mu.Unlock()
	return nil
}

// ValidateDelay rejects zero, negative and non-finite delays.
func ValidateDelay(minutes float64) error {
	switch {
	case math.IsNaN(minutes) || math.IsInf(minutes, 0):
		return ErrInvalidDelay
	case minutes == 0:
		return ErrZeroDelay
	case minutes < 0:
		return ErrInvalidDelay
	}
	return nil
}

// MinutesToDuration converts fractional minutes to a duration.
func MinutesToDuration(minutes float64) time.Duration {
	ns := minutes * float64(time.Minute)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// FormatMinutes renders a delay the way it is shown to users ("5", "2.5").
func FormatMinutes(minutes float64) string {
	return strconv.FormatFloat(minutes, 'f', -1, 64)
}
