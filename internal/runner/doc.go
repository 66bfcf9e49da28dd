// Package runner supervises one resumable child process.
//
// A runner starts a process which runs until it prints a checkpoint marker
// line and then blocks reading its standard input. Writing a single line
// terminator resumes it; everything it prints afterwards is the result.
//
//	Start ---> Preparing --marker--> Waiting --Resume--> Running --exit--> Finished
//	               |                    |                   |
//	               +--------------------+-------------------+--> Finished (exit, kill, Stop)
//
// Invariants:
//   - states only move forward, Finished is absorbing
//   - the output stream is read by the runner only: one goroutine scans it into
//     a queue and State/DrainLog consume the queue
//   - process exit is observed by a separate goroutine, stdout is an *os.File
//     pipe so Wait never closes the stream under the reader
//   - a runner which is not Waiting and silent for longer than the inactivity
//     timeout is killed, together with its process group
//   - killing a process which is already gone is not an error
package runner
