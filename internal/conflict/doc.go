// Package conflict reconciles the local catalog with a provider listing.
//
// Resolver exposes the individual primitives (duplicate detection and merge,
// rename rebinding, deletion, metadata merge) and reports each outcome as a
// ResolutionResult. Orchestrator sequences them into the three-phase pass that
// runs at the end of every sync job: duplicates, renames, then deletions.
// Failures on individual tracks are logged and skipped so one bad row never
// aborts a pass.
package conflict
