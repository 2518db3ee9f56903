// Package manifest implements decoding of the execution manifest stream.
//
// A manifest is the unit of work transmitted to a remote host. It carries a
// map of named scripts (base64-encoded source plus the path it was resolved
// from) and an ordered queue of actions to run. The controller sends the
// manifest as the first segment of the stdin stream, terminated by a line
// containing the four-null-byte sentinel; everything after the sentinel is
// the raw stdin payload for the eventual action.
//
// # Stream Layout
//
//	{"scripts": {...}, "actions": [...], ...}
//	\0\0\0\0
//	<raw payload bytes>
//
// Actions are consumed strictly FIFO. Each stage dequeues the head and, when
// it launches a nested stage (async watchdog, elevated re-launch), re-encodes
// the remaining tail of the queue into a fresh stream for the child process.
//
// Secure parameters are wrapped as SecureString values at decode time so that
// they are never rendered by logging or error formatting.
package manifest
