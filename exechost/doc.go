// Package exechost executes exactly one action's script body as an isolated
// unit.
//
// Scripts run inside an in-process shell interpreter with their own variable
// scope: nothing the script does can reach the wrapper's state, and wrapper
// locals never leak into the script. Parameters are bound as runner-scoped
// variables, the manifest environment map is applied process-wide once (the
// one documented non-isolated side effect, since environment variables are
// global to a process by nature), utility modules are loaded into the runner
// ahead of the script, and native helper modules are Go command handlers
// registered once per process.
//
// All stdout writes are captured into a buffer and surface as one console
// block ahead of the structured result, so ad hoc debug prints can never
// interleave with the result document. The structured result is the trailing
// JSON object of the captured output.
//
// Execution steps through the script statement by statement, which is what
// feeds line-hit tracing for coverage runs and gives faults an exact source
// position. An invocation moves Idle → Decoding → Executing and ends in
// Succeeded or Failed; there is no retry.
package exechost
