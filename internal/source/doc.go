// Package source implements the SourceManager: per-sid tracking of the
// authoritative upstream source and buffering of batches produced by a source
// that is not yet active.
//
// Batches from an inactive source are held until the sid fails over from the
// primary to the secondary source, at which point they are released in
// arrival order exactly once.
package source
