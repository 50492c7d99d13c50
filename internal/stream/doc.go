// Package stream folds a job's event log into the speculative conversation
// items shown while the job runs. Nothing here performs I/O: State.Apply is a
// reducer over events, and ItemsFromMessages derives the canonical items from
// durable messages.
package stream
