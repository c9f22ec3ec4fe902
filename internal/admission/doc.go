// Package admission serializes turns against backends that can only hold one
// conversation system-wide (browser-automated or heavily fronted providers).
//
// # Model
//
// Each waiting request appends an opaque ticket to a shared list and polls at
// a fixed interval until its ticket reaches the head. The head owns a
// time-bounded lease on the single seat. The lease is never required to be
// released for the system to stay safe: it expires on its own, and every
// waiter checks for an expired lease on each poll and pops the stale head
// (reaping), so a crashed leader delays the queue by at most one lease TTL
// plus one poll interval.
//
// Service order is strict FIFO among non-expired leaders. Reaping promotes
// the next ticket in line and never reorders.
//
// # Polling
//
// The poll interval is configurable; the default of 1.5s keeps store traffic
// low while bounding added admission latency. A store with blocking list pops
// could replace the poll loop without changing the external contract.
package admission
