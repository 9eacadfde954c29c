// Package transport defines how chat messages enter and leave the bot.
package transport

import (
	"context"

	"sitewatch/internal/watch"
)

// Inbound is one received chat message.
type Inbound struct {
	Endpoint watch.Endpoint
	Text     string
}

// Adapter connects the bot to a chat platform.
//
// Send and CreateDirect make every Adapter usable as the notifier's Outbound.
type Adapter interface {
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error

	// Reply answers in the conversation the message came from.
	Reply(ctx context.Context, in Inbound, text string) error
	Send(ctx context.Context, to watch.Endpoint, text string) error
	CreateDirect(ctx context.Context, to watch.Endpoint) (string, error)
}
