// Package results defines the structured execution result and the async
// result-file contract.
//
// Every stage of the wrapper chain reports its outcome as a Result: a JSON
// object where failed=true implies msg is set and exception carries the
// rendered diagnostic trace. Failures produced by any internal component are
// shaped identically to an action's own failure fields, so the controller
// sees one uniform contract.
//
// For detached jobs, an async Record is written to a well-known result file
// before the job begins real work and is atomically replaced exactly once
// when the watchdog observes a terminal state.
package results
