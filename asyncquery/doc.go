// Package asyncquery runs blocking queries against collaborators, such as
// a storage layer, off the tick thread, delivering each result back on the
// tick thread.
//
// Queries submitted close together are grouped into batches, using
// [microbatch.Batcher], so that a collaborator may serve many queries per
// round trip. Batches run on the host's worker pool, via
// [scheduler.RunAsyncThenSync].
package asyncquery
