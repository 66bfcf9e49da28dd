// Package service runs the prewarm server.
//
// Overview
// The Registry maps a normalized target key to its pool.Pool. The first
// request for a key creates the pool; later requests reuse it. Pools are
// closed only when the service stops.
//
// The Server exposes the registry over HTTP:
//
//	POST /build?wait=true   body is the target key, answers the build log
//	GET  /pools             JSON stats of every pool
//	GET  /healthz           ok
//	POST /stop              answers, then shuts the server down
//
// Client is the counterpart used by the command line.
//
// Data flow:
//
//	Client        Server           Registry            Pool
//	  |  POST /build  |                 |                  |
//	  |-------------->| Dispatch(key) ->| resolve key      |
//	  |               |                 | find or create ->| Dispatch(wait)
//	  |               |                 |                  | resume a warm runner
//	  |<----- log ----|<----------------|<----- log -------|
//
// Service ties the pieces together with the single instance lock file and
// the scheduled cleanup of temporary directories.
//
// Invariants:
//   - At most one pool per normalized key.
//   - At most one server per listen address on a machine.
//   - Shutdown closes every pool, so no runner outlives the server.
package service
