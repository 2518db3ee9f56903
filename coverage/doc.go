// Package coverage records per-line hit counts for scripts executed under
// tracing and writes them out in a per-process result file.
//
// A Tracker pre-registers every traceable line of a script at zero hits, so
// lines that never execute still appear in the output, then counts hits as
// the execution host dispatches statements. Traceable lines are found by
// walking the parsed script for command call positions; a line with several
// calls is still registered once.
//
// Result files are keyed by host, process id and a random suffix so parallel
// invocations writing into the same output directory never collide. Writing
// the file must happen even when the traced run fails; callers defer Flush
// unconditionally.
package coverage
