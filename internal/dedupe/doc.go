// Package dedupe suppresses duplicate inbound turns within a time window so
// redelivered or double-sent messages never reach the admission queue twice.
package dedupe
