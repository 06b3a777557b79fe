// Package supervisor launches and supervises translated Windows processes.
//
// Overview
//
// Launch drives one request through admission, spawn, capture, and reaping:
//
//	caller                 Supervisor                 runner{cmd}
//	  |                        |                          |
//	  | Launch(req, sink) ---->| sampler.Sample           |
//	  |                        | registry.TryAdmit        |
//	  |                        | classify.Budget          |
//	  |                        | startRunner ------------>| os/exec.Start
//	  |  sink <-- chunks ------+--------------------------| stream goroutine
//	  |                        | watch loop               | reap goroutine
//	  |                        |   deadline/cancel -----> | terminate -> kill
//	  |<----- ProcessResult ---| (slot released)          |
//
// Both admission checks happen before any OS process exists: a CPU-denied
// request never consumes a registry slot, and a ceiling-denied request never
// costs a spawn. Denials are returned synchronously and are never retried
// here; the caller owns retry policy.
//
// The watchdog is a polling loop, not a single timer: it re-checks liveness
// every poll interval and terminates the process within one interval of the
// classified deadline. Caller cancellation takes the same termination path.
// Slot release is idempotent, so the exit path, the watchdog, and an
// emergency cleanup can race without the count ever going negative.
//
// The Janitor runs outside any launch. On its own schedule it enumerates the
// workload's process family, terminates sustained runaways, and
// suspend/resume-throttles the hot band. Processes the registry does not
// track are never terminated without the embedding application's say-so.
package supervisor
