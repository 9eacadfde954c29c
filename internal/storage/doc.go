// Package storage persists the bot's monitoring state so it survives restarts.
//
// It stores:
//   - Monitored URLs with their last snapshot
//   - Registered recipient endpoints
//   - The poll delay
//   - An append-only audit log of state-changing commands
package storage
