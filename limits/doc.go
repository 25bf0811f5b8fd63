// Package limits provides centralized transfer size constants and validation
// functions. Every component that sizes chunks, budgets in-flight requests or
// decides between the small and big file layouts reads its numbers from here,
// so uploads and downloads agree on the same protocol bounds.
//
// # Size Hierarchy
//
//   - SmallFilePartHead (1 KiB): size of the deferred first part of a small
//     file whose final size is unknown while uploading.
//   - MinUploadChunkKB / MinUploadChunkSlowKB: lower bounds for upload parts on
//     normal and slow networks.
//   - MaxUploadChunkKB (512 KiB): protocol maximum for one uploaded part.
//   - BigFileThreshold (10 MiB): files above this use the big file layout.
//   - CheckpointBoundary (1 MiB): big file checkpoints are written when the
//     confirmed offset crosses a multiple of this value.
//
// # Validation Functions
//
//	if err := limits.ValidateChunk(payload, limits.MaxUploadChunkKB*1024); err != nil {
//	    return err
//	}
package limits
