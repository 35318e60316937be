// Package registry holds the authoritative in-memory map of loaded sessions.
//
// It is the single place where the current session and capacity limits are
// enforced. Sessions follow Idle ⇄ Active ⇄ Processing, with Processing
// reachable only from Active and Closed terminal. Exactly one session is
// Active at a time; a Processing session is never evicted.
//
// Engine handles are created lazily: creating a session allocates nothing
// external, and the slow engine initialization runs exactly once per session
// under singleflight, behind a circuit breaker that backs off a failing
// engine.
package registry
