// Package gateway orchestrates the seance-gateway server components.
//
// # Overview
//
// The gateway wires configuration into the running system: one adapter per
// configured backend, a credential pool for backends that need one, an
// admission queue for backends that can seat only one turn at a time, the
// conversation continuity store, and the dispatcher that ties them together.
// All shared state lives in the kv store, so multiple gateway instances can
// serve the same backends.
//
// # HTTP surface
//
// Frontends call POST /api/send with a user ID, backend ID, and message. The
// response is the backend's reply plus the user's rendering preferences, or
// a JSON error carrying the failure class. Operators use the /api/ops/
// routes from the ops package. /health and /health/ready serve liveness and
// readiness probes.
//
// # Lifecycle
//
// Run blocks until the context is canceled, then shuts the HTTP server down
// gracefully and closes the stores. Credential seed files named in the
// configuration are imported once at startup; records already present in
// the shared store are left untouched.
package gateway
