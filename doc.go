// Package winexec is a remote process execution and supervision bridge.
//
// A controlling runtime transmits an execution stream over stdin: a JSON
// manifest naming scripts and an ordered action chain, a four-null-byte
// sentinel line, then the raw stdin payload for the eventual action. The
// bridge decodes the manifest once, then steps the action queue head-first.
// Reserved stage actions wrap whatever follows them in the queue: a become
// stage relaunches the remaining chain under another identity, an async
// stage detaches it into a watchdog process and replies immediately with a
// polling record, and a coverage stage turns on line-hit tracing for the
// module that eventually runs. The first non-reserved action is the module
// itself; its script executes in an in-process interpreter and its console
// output and structured JSON result flow back over stdout.
//
// The library is organized into layers:
//
//   - winexec (this package): stream decode and stage dispatch
//   - manifest: wire format, action queue, script directives
//   - exechost: isolated single-action script execution
//   - results: structured results and async result records
//   - asyncsup: detached launch, watchdog, polling contract
//   - elevate: identity switch and result/control framing
//   - coverage: per-line hit tracking and output files
//   - clixml: serialized stderr stream decoding
//   - proctl: pipe arenas and breakaway process spawning
//
// Every failure mode ends in a well-formed structured result or result
// record; silent process death without a diagnosable trace is the one
// outcome the design refuses to allow.
package winexec

// Version is the library version.
const Version = "0.1.0-dev"
