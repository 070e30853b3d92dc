// Package progress reports run lifecycle events from the workers to
// observability sinks. The Hub batches events on a background goroutine and
// never blocks the run pipeline; nothing in the ledger or statistics depends
// on delivery.
package progress
