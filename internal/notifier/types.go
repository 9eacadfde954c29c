package notifier

import (
	"context"
	"time"

	"sitewatch/internal/watch"
)

// DefaultText is the change notification payload.
const DefaultText = "Hello, this is a notification"

// Outbound delivers messages to a conversation endpoint.
type Outbound interface {
	Send(ctx context.Context, to watch.Endpoint, text string) error
	// CreateDirect opens (or looks up) a direct conversation with the endpoint's
	// recipient and returns its id.
	CreateDirect(ctx context.Context, to watch.Endpoint) (string, error)
}

// Config controls the async notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// Text is the change notification; DefaultText when empty.
	Text string
	// IncludeURL appends the changed URL to Text.
	IncludeURL bool
}
