// Package terminal runs interactive terminal sessions behind one contract,
// whether the process lives on a local pseudo-terminal or in a shell on a
// remote machine reached over SSH.
//
// # Backends
//
//   - [LocalBackend]: an OS process attached to a PTY (github.com/creack/pty).
//   - [SSHBackend]: a PTY-enabled shell channel on an SSH client. Its output
//     runs through a [framer.Framer] so synchronized-update frames are never
//     split and cursor position reports never reach clients.
//
// Both emit data and exit callbacks, keep a byte-capped [History] for replay
// and report the shell's working directory out of band.
//
// # Registry
//
// [Registry] owns the map from session id to backend, routes input, resize
// and kill requests, and fans backend callbacks out to subscribers as
// [Event] values. Subscribers are called synchronously in emission order
// and must not call back into the registry for the same session.
//
// # Session states
//
//  1. [StateRunning] from spawn until the process ends.
//  2. [StateDisconnected] when an SSH backend loses its connection. The
//     session stays listed with its history until killed.
//  3. [StateExited] when the process exits. The session is removed and an
//     instance:closed event follows the exit event.
package terminal
