// Package asyncsup detaches a job into a background watchdog process and
// reports its progress through an on-disk result record.
//
// The supervisor side runs in the foreground wrapper: it spawns the watchdog
// blocked on stdin, writes the provisional record, then delivers the payload
// and closes stdin as the begin signal. Because the watchdog cannot start
// real work before stdin reaches EOF, the provisional record is guaranteed to
// exist by the time the job begins. The supervisor then waits for whichever
// comes first: the watchdog's readiness byte on the signal pipe, the
// watchdog's exit, or the startup timeout. Only readiness yields the
// immediate reply record; the other two remove the provisional record and
// surface a startup failure with the child's raw output.
//
// The watchdog side runs detached: it reads the payload, signals readiness,
// executes the job under the execution timeout, and finalizes the record
// exactly once with an atomic rename. A panic still produces a terminal
// record; a job that never finalizes would otherwise poll as running forever.
package asyncsup
