// Package vecpage provides the durable write path of an on-disk HNSW
// vector index: slotted pages with atomic multi-page commits, crash
// recovery from before-images, and the insert protocol that places
// elements, links neighbors, and consolidates exact duplicates.
//
// # Quick Start
//
//	ctx := context.Background()
//	idx, _ := vecpage.Open("./data", 128, vecpage.WithMetric(distance.MetricL2))
//	defer idx.Close()
//
//	res, _ := idx.Insert(ctx, vector, 1) // 1 is the caller's row reference
//	_ = idx.MarkDeleted(ctx, res.Location)
//
// # Storage Model
//
// The index lives in a single page file plus an undo log. Every element
// owns two tuples: a primary tuple (vector, level, row references) and a
// neighbor tuple (per-layer adjacency slots). Deleted elements keep
// their slots; later inserts reuse the pair when the new element fits.
//
// Each mutation is a short transaction over one or two pages:
// before-images are logged and synced before the pages are written, and
// a commit marker seals the transaction. Reopening after a crash rolls
// back every unmarked transaction, so readers never see a torn tuple.
//
// # Backups
//
// Backup streams the page file into a blobstore.Store and publishes a
// manifest through a backup.CommitStore; Restore fetches and validates
// the latest manifest. S3, MinIO, and DynamoDB-backed implementations
// live under blobstore/ and backup/.
package vecpage
