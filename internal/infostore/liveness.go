package infostore

import (
	"time"

	"github.com/ccyuki/zeppelin/internal/topology"
)

// UpdateNodeAlive records a heartbeat for addr in the volatile liveness
// cache (distinct from the committed revision: re-committing a log write on
// every single heartbeat would be far too expensive). It returns true iff
// the node was previously absent from the committed topology or committed
// DOWN — the caller's signal to enqueue an UpNode UpdateTask so the change
// eventually becomes durable.
func (s *InfoStore) UpdateNodeAlive(addr topology.Addr) bool {
	now := time.Now()

	s.liveMu.Lock()
	s.liveSeen[addr] = now
	s.liveMu.Unlock()

	rev := s.current()
	live, ok := rev.Nodes[addr]
	return !ok || !live.Up
}

// FetchExpiredNode returns every node whose committed state is UP but whose
// most recently observed heartbeat (volatile cache, falling back to the
// committed timestamp if the cache has no entry) is older than the
// configured TTL.
func (s *InfoStore) FetchExpiredNode() []topology.Addr {
	rev := s.current()
	now := time.Now()

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	var expired []topology.Addr
	for addr, live := range rev.Nodes {
		if !live.Up {
			continue
		}
		last := live.LastHeartbeat
		if seen, ok := s.liveSeen[addr]; ok {
			last = seen
		}
		if now.Sub(last) > s.ttl {
			expired = append(expired, addr)
		}
	}
	return expired
}

// RestoreNodeAlive is called once on leader election: it stamps every
// currently-UP node's volatile heartbeat to "now" so a leader that has just
// learned about the cluster does not immediately mass-expire nodes it
// simply hasn't heard a PING from yet in this process's lifetime.
func (s *InfoStore) RestoreNodeAlive() {
	rev := s.current()
	now := time.Now()

	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	for addr, live := range rev.Nodes {
		if live.Up {
			s.liveSeen[addr] = now
		}
	}
}
