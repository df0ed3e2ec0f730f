// Package manifest keeps the client-facing package manifest in step with the
// tracked directory.
//
// The manifest is a projection of the directory and holds no state of its
// own. Every [Synchronizer.Regenerate] rebuilds it from a fresh listing,
// hashes each package, and atomically replaces the persisted document through
// a [Store], so a concurrent [Synchronizer.Fetch] sees either the previous
// document or the new one and never a partial write.
//
// Contract details:
//   - entries are sorted by filename
//   - a package that disappears between listing and hashing is skipped and
//     reported through [Manifest.Skipped], [Status] and a warning log
//   - any other listing, hashing or write failure aborts the regeneration and
//     leaves the previously persisted manifest in place
//   - regenerations in one process are serialised; readers never wait on them
package manifest
