package leaderjoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"

	"github.com/ccyuki/zeppelin/internal/replog"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/internal/wire"
)

type fakeStore struct {
	restored int
}

func (s *fakeStore) RestoreNodeAlive() { s.restored++ }

type fakeCron struct {
	resets int
}

func (c *fakeCron) Reset() { c.resets++ }

func TestRefreshLeader_NoLeader(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	log := replog.NewFakeLog(self)
	log.SetNoLeader()

	store := &fakeStore{}
	cron := &fakeCron{}
	lj := New(self, log, store, cron, nil)

	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}
	if lj.Snapshot().State != NoLeader {
		t.Fatalf("State = %v, want NoLeader", lj.Snapshot().State)
	}
}

func TestRefreshLeader_BecomesLeader(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	log := replog.NewFakeLog(self)
	log.SetLeader(true, self)

	store := &fakeStore{}
	cron := &fakeCron{}
	lj := New(self, log, store, cron, nil)

	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}
	if lj.Snapshot().State != IAmLeader {
		t.Fatalf("State = %v, want IAmLeader", lj.Snapshot().State)
	}
	if !lj.IsLeader() {
		t.Fatal("IsLeader() = false, want true")
	}
	if store.restored != 1 {
		t.Fatalf("restored = %d, want 1", store.restored)
	}

	// Calling again with the same leader must not re-fire RestoreNodeAlive.
	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader (2nd): %v", err)
	}
	if store.restored != 1 {
		t.Fatalf("restored after 2nd refresh = %d, want 1", store.restored)
	}
}

func TestRefreshLeader_StepsDownResetsConditionCron(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	log := replog.NewFakeLog(self)
	log.SetLeader(true, self)

	store := &fakeStore{}
	cron := &fakeCron{}
	lj := New(self, log, store, cron, nil)

	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}

	other := topology.NewAddr("10.0.0.2", 8001)
	log.SetLeader(false, other)
	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader (step down): %v", err)
	}
	if lj.Snapshot().State != Follower {
		t.Fatalf("State = %v, want Follower", lj.Snapshot().State)
	}
	if cron.resets != 1 {
		t.Fatalf("cron resets = %d, want 1", cron.resets)
	}
}

func TestRedirectToLeader_RejectsWhenNotFollower(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	log := replog.NewFakeLog(self)
	log.SetNoLeader()

	lj := New(self, log, &fakeStore{}, &fakeCron{}, nil)
	_, err := lj.RedirectToLeader(wire.MetaCmd{Kind: wire.Ping})
	if err == nil {
		t.Fatal("expected error when not a follower")
	}
}

// startEchoServer listens on an ephemeral local port and replies to every
// framed request with a fixed OK MetaCmdResponse, simulating a leader's
// redirect handler. It echoes every frame it receives on the one connection
// it accepts, not just the first, so a test can drive several sequential or
// concurrent round trips over the same redirect connection.
func startEchoServer(t *testing.T) topology.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for {
			if _, err := wire.ReadFrame(r); err != nil {
				return
			}
			resp, _ := json.Marshal(wire.MetaCmdResponse{Status: wire.StatusOK})
			if err := wire.WriteFrame(conn, resp); err != nil {
				return
			}
		}
	}()

	return topology.Addr(ln.Addr().String())
}

func TestRedirectToLeader_RoundTrip(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	leaderAddr := startEchoServer(t)

	log := replog.NewFakeLog(self)
	log.SetLeader(false, leaderAddr)

	lj := New(self, log, &fakeStore{}, &fakeCron{}, nil)
	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}
	if lj.Snapshot().State != Follower {
		t.Fatalf("State = %v, want Follower", lj.Snapshot().State)
	}

	resp, err := lj.RedirectToLeader(wire.MetaCmd{Kind: wire.Ping})
	if err != nil {
		t.Fatalf("RedirectToLeader: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("Status = %s, want OK", resp.Status)
	}

	lj.Close()
}

// TestRedirectToLeader_ConcurrentCallsDoNotInterleave drives many concurrent
// redirects over the single shared connection and checks each caller gets a
// well-formed response back, not a frame meant for a different caller.
func TestRedirectToLeader_ConcurrentCallsDoNotInterleave(t *testing.T) {
	self := topology.NewAddr("10.0.0.1", 8001)
	leaderAddr := startEchoServer(t)

	log := replog.NewFakeLog(self)
	log.SetLeader(false, leaderAddr)

	lj := New(self, log, &fakeStore{}, &fakeCron{}, nil)
	if err := lj.RefreshLeader(context.Background()); err != nil {
		t.Fatalf("RefreshLeader: %v", err)
	}

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := lj.RedirectToLeader(wire.MetaCmd{Kind: wire.Ping})
			if err != nil {
				errCh <- err
				return
			}
			if resp.Status != wire.StatusOK {
				errCh <- fmt.Errorf("status = %s, want OK", resp.Status)
				return
			}
			errCh <- nil
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent RedirectToLeader: %v", err)
		}
	}

	lj.Close()
}
