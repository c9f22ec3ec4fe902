// Package store persists operator audit entries and per-turn usage rows in
// SQLite. It is bookkeeping for humans; runtime coordination state (queues,
// credentials, conversations) lives in the kv store instead, so losing this
// database never affects dispatch.
package store
