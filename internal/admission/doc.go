// Package admission decides whether a test execution may start and owns the
// side effects of starting and finishing one.
//
// Start order:
//   - claim the (kind, scope) key in the registry
//   - create the run record with zeroed counters
//   - begin progress tracking (run_all and run_group only)
//   - launch the executor
//   - publish run:started, then process:started
//
// A rejected start has no side effects. A failed launch releases the key,
// marks the record failed and publishes run:status instead of run:started.
//
// Completion releases the key, finalizes the record and publishes
// run:completed, run:status and dashboard:refresh. A process that exits
// without its reporter completing the run is completed from the aggregated
// counts.
package admission
