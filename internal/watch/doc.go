// Package watch holds the shared monitoring state of the bot.
//
// Three owned stores live here:
//   - Registry: every conversation endpoint the bot has seen (append-only)
//   - Monitors: monitored URLs and their last observed content
//   - Settings: the poll delay
//
// Each store guards itself with its own mutex, so the command dispatcher and the
// background poller can share them by handle. None of the methods perform I/O.
package watch
