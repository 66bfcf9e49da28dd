// Package pool keeps a number of warm runners for a single target and hands
// one of them out per request.
//
// A pool owns two lists: available runners, which are preparing or waiting at
// the checkpoint, and active runners, which were resumed. Refresh polls every
// runner once, moves it to the right list and replaces finished runners so
// that MinAvailable runners stay warm. Maintain runs Refresh on a ticker.
//
//	Dispatch
//	  |- circuit open?  -> summary of outcomes, nothing spawned
//	  |- stop maintenance
//	  |- refresh, pick a waiting runner (or any available one), resume it
//	  |     stale runners are discarded and the next one is picked
//	  |- restart maintenance
//	  |- wait for completion (optional, annotated on timeout)
//	  '- drain the output and return the log
//
// Runners which never reach the checkpoint are counted. When the count goes
// over the failure threshold every runner is stopped and the circuit opens
// for the cooldown. The first Dispatch after the cooldown closes it again
// with a threshold raised by ThresholdStep.
package pool
