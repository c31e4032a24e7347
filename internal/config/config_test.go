package config

import "testing"

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]string{"-postgres-dsn", "postgres://x"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LocalPort != 9221 {
		t.Fatalf("LocalPort = %d, want 9221", cfg.LocalPort)
	}
	if cfg.WorkerThreads != defaultWorkerThreads {
		t.Fatalf("WorkerThreads = %d, want %d", cfg.WorkerThreads, defaultWorkerThreads)
	}
	if got := cfg.Self(); got != "127.0.0.1:9221" {
		t.Fatalf("Self() = %s, want 127.0.0.1:9221", got)
	}
}

func TestParse_Peers(t *testing.T) {
	cfg, err := Parse([]string{
		"-postgres-dsn", "postgres://x",
		"-peers", "10.0.0.1:9221, 10.0.0.2:9221,",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(cfg.Peers))
	}
	if cfg.Peers[0] != "10.0.0.1:9221" || cfg.Peers[1] != "10.0.0.2:9221" {
		t.Fatalf("Peers = %v", cfg.Peers)
	}
}

func TestParse_RequiresDSN(t *testing.T) {
	if _, err := Parse([]string{}); err == nil {
		t.Fatal("expected error when postgres-dsn is missing")
	}
}

func TestParse_RejectsBadPort(t *testing.T) {
	if _, err := Parse([]string{"-postgres-dsn", "postgres://x", "-local-port", "0"}); err == nil {
		t.Fatal("expected error for non-positive local-port")
	}
}
