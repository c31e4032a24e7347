// Package metaerr defines the sentinel errors used across the meta node.
package metaerr

import "errors"

// Sentinel errors for lookups and validation.
var (
	// NotFound indicates a lookup of an absent entity (table, partition, node, migration item).
	NotFound = errors.New("not found")

	// InvalidArgument indicates a validation failure, e.g. a stale epoch or a malformed request.
	InvalidArgument = errors.New("invalid argument")

	// AlreadyExists indicates a duplicate table or an already in-progress migration.
	AlreadyExists = errors.New("already exists")
)

// Sentinel errors for the replicated log and topology commits.
var (
	// Conflict indicates a log write lost to a concurrent writer; the caller should Refresh and retry.
	Conflict = errors.New("conflict")

	// Corruption indicates unparsable log data or an unparsable address.
	Corruption = errors.New("corruption")

	// IOError indicates a log or network I/O failure.
	IOError = errors.New("i/o error")
)

// Sentinel errors for asynchronous preconditions.
var (
	// Incomplete indicates a precondition has not yet been satisfied; the caller may retry.
	Incomplete = errors.New("incomplete")

	// Timeout indicates a redirect RPC exceeded its deadline.
	Timeout = errors.New("timeout")
)
