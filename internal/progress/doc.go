// Package progress carries session events from the coordinator to pluggable
// sinks. Events are batched on a background goroutine so emitting never
// blocks the exploration loop.
package progress
