package engine

import (
	"github.com/franksops/hdfsrelay/provider"
)

// Batch is an ordered group of entries moved through the pipeline together.
// Its total size is at most the chunk cap, unless it holds a single entry
// that is larger than the cap on its own.
type Batch []provider.FileEntry

// Size returns the total size of the batch in bytes.
func (b Batch) Size() uint64 {
	var total uint64
	for _, e := range b {
		total += e.SizeBytes
	}
	return total
}

// Pack groups entries into batches in a single greedy pass. Before an entry
// is added, the current batch is closed if the entry would push it over
// maxChunkSize and the batch is not empty. An entry larger than the cap on
// its own therefore gets a batch to itself. Input order is preserved.
func Pack(entries []provider.FileEntry, maxChunkSize uint64) []Batch {
	var batches []Batch
	var current Batch
	var total uint64

	for _, e := range entries {
		if len(current) > 0 && total+e.SizeBytes > maxChunkSize {
			batches = append(batches, current)
			current = nil
			total = 0
		}
		current = append(current, e)
		total += e.SizeBytes
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
