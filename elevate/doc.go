// Package elevate runs a payload in a child process under another identity
// and relays its outcome back without mixing it into ordinary output.
//
// The parent and the elevated child speak a line-oriented XML framing over
// the child's stdout: each frame is a single line carrying a type, a job id
// and base64 payload. Anything the child writes to stdout that is not a
// frame is module console output and passes through untouched, so a noisy
// payload cannot corrupt the result channel.
//
// Identity selection is driven by the password shape. A nil password means
// the child runs as the current identity with elevated rights; a non-nil
// password, even an empty one, means a credentialed spawn under the target
// account. The two spawns are distinguishable call shapes, not a value
// check, because an account with an empty password is a real login.
//
// Bootstrap payloads ride the command line base64-encoded when they fit
// under the command-line length bound, and arrive over stdin when they do
// not.
package elevate
