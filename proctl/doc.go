// Package proctl spawns child processes with an explicit, role-keyed set of
// pipe handles.
//
// A HandleSet allocates one pipe per role (stdin, stdout, stderr, signal) and
// tracks which end belongs to the parent and which to the child, so handle
// ownership and close order are never implicit. The signal role is an extra
// out-of-band pipe the child inherits beyond the standard three; children use
// it to report readiness without touching their output streams.
//
// Spawn optionally detaches the child from the parent's process group (or job
// on Windows) so it survives the parent. CanBreakaway reports whether the
// current process is allowed to detach a child at all; callers that need a
// survivor when breakaway is unavailable relaunch through an intermediate
// process instead.
package proctl
