// Package conversation stores continuity records for (user, backend) pairs.
//
// # Overview
//
// A Record tracks one user's ongoing conversation with one backend: the
// opaque Continuation the backend needs to resume it, a turn counter, and
// timestamps. Records live in the shared kv store so every gateway instance
// sees the same continuity state.
//
// The store mutates records only through Advance, which runs after a turn
// succeeds. A failed turn leaves the stored record exactly as it was, so the
// next attempt resumes from the last known-good point.
//
// # Multiplexed backends
//
// Backends that hold one provider-side conversation per user regardless of
// which gateway backend routed it use the mux bindings (MuxBind, MuxResolve)
// to share a conversation ID across records.
//
// # Retention
//
// A non-zero retention sets a TTL on every write; idle conversations expire
// from the store without an explicit Destroy.
package conversation
