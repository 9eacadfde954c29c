// Package poller periodically fetches every monitored URL and compares it with the
// stored snapshot.
//
// Per entry and cycle:
//   - fetch failed: no state change (optionally a failure notification after N in a row)
//   - no snapshot yet: the fetched content becomes the baseline, nobody is notified
//   - snapshot differs: the snapshot is replaced and all recipients are notified
//   - snapshot equal: nothing happens
//
// Snapshots are committed with compare-and-swap, so a URL removed (or removed and
// re-added) while its fetch was in flight is left alone.
package poller
