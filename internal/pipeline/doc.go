// Package pipeline drives a project request through its phases:
// analysis, workspace setup, team assembly, task graph construction,
// execution and validation.
//
// Phases run strictly in order. Any phase error records a CRITICAL entry in
// the workspace error log and ends the project in the failed phase. An
// execution failure is treated as a partial completion: it is recorded as
// HIGH and recoverable and the result points at the partial workspace.
package pipeline
