// Package coordinator implements the client-facing actor of findswarm. It
// asks the pool manager for workers, learns which workers exist through the
// registry, fans a search out to all of them, picks the first positive reply
// and, optionally, forwards the winning file to the analysis bridge.
//
// # Overview
//
// The coordinator never touches the filesystem. Everything it knows about the
// pool comes from two sources: the STARTED|<n> reply of the pool manager,
// which says how many workers to expect, and the registry, which says which
// of them are visible yet. The registry is eventually consistent, so the
// membership cache is filled by a bounded poll rather than a single lookup.
//
//	      view                 coordinator              pool manager
//	        │  RequestPoolStart       │   START_POOL|root       │
//	        │────────────────────────▶│────────────────────────▶│ spawn N workers
//	        │                         │◀────────────────────────│ STARTED|N
//	        │                         │ poll registry           │
//	        │◀── EventPoolReady ──────│ (target, stable, max)   │
//	        │  Search(name)           │                         │
//	        │────────────────────────▶│── SEARCH|conv|name ──▶ workers
//	        │                         │◀─ FOUND / NOT_FOUND / CANCELLED / ERROR
//	        │                         │── STOP|conv ─────────▶ workers (on win)
//	        │                         │── ANALYZE|path ──────▶ analysis bridge
//	        │◀── EventSearchFinished ─│◀─ INFORM / FAILURE
//
// # Arbitration
//
// Every search gets a fresh conversation id. Replies are looked up by that id
// in a table guarded by the coordinator's mutex:
//
//   - a reply for an unknown or finished conversation is dropped
//   - the first FOUND with a non-empty path wins, later ones are ignored
//   - NOT_FOUND, CANCELLED and ERROR only count towards the expected total
//   - when every expected reply arrived without a winner the search is not found
//
// Workers that cannot be reached at dispatch time are not waited for.
//
// # Discovery
//
// DiscoveryPoll samples the registry on a ticker and stops when the count
// reaches the expected size, when a non-zero count repeats on two consecutive
// samples, or after MaxAttempts samples. A failed lookup never counts as a
// stable sample. Starting or stopping a pool cancels a poll in flight and its
// result is discarded.
//
// # Shutdown
//
// Shutdown abandons discovery and any open search, sends STOP_POOL and waits
// for STOPPED_OK before reporting EventShutdown, so workers are told to exit
// before the hosting process does. Without a pool manager it stops at once.
//
// # Concurrency
//
// Exported methods may be called from any goroutine. Replies are consumed by
// a single loop reading the coordinator's mailbox, and events are emitted
// outside the lock so a Notifier may call back into the coordinator.
package coordinator
