// Package replog is the external collaborator the rest of the meta node
// treats as given: a linearizable key-value store with leader election,
// named ReplicatedLog in the component design.
package replog

import (
	"context"

	"github.com/ccyuki/zeppelin/internal/topology"
)

// Log is the replicated-log interface every InfoStore, MigrateRegister and
// LeaderJoint call goes through. Writes are linearizable only when issued by
// the elected leader; a Write issued by a follower (or by a leader that has
// just lost leadership) fails with metaerr.Conflict.
type Log interface {
	// Read returns the value stored under key, or metaerr.NotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key. Returns metaerr.Conflict if this
	// process is not currently the leader, metaerr.IOError on a transport
	// or storage failure.
	Write(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// GetLeader returns the current leader's address and true, or
	// ("", false, nil) if no leader is currently known.
	GetLeader(ctx context.Context) (topology.Addr, bool, error)

	// GetAllNodes returns the addresses of every meta peer known to be
	// part of the ensemble, leader included.
	GetAllNodes(ctx context.Context) ([]topology.Addr, error)

	// GetServerStatus returns a short human-readable status line, surfaced
	// verbatim by the MetaStatus command.
	GetServerStatus(ctx context.Context) (string, error)

	// Self returns this process's own address as registered with the log.
	Self() topology.Addr

	// Close releases any background goroutines and connections.
	Close() error
}
