// Package config parses the meta node's command-line flags into a Config.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ccyuki/zeppelin/internal/topology"
)

// Config holds every tunable the meta node's cron loops, stores and
// dispatcher read at startup.
type Config struct {
	LocalIP   string
	LocalPort int

	// Peers is the full meta ensemble, self included, used to seed the
	// replicated log's elector.
	Peers []topology.Addr

	DataPath string

	WorkerThreads int

	NodeAliveTTL time.Duration

	MetaCronInterval      time.Duration
	ConditionCronInterval time.Duration
	ConditionCronTimeout  time.Duration

	MigrateBatchSize    int
	MigrateInitRetries  int
	OffsetGapTolerance  int64

	UpdateApplyMaxRetry int

	PostgresDSN string

	MetricsAddr string
}

// Default values, named after the constants the source hard-codes for the
// same cron intervals and retry bounds.
const (
	defaultNodeAliveTTL          = 10 * time.Second
	defaultMetaCronInterval      = 2 * time.Second
	defaultConditionCronInterval = time.Second
	defaultConditionCronTimeout  = 5 * time.Minute
	defaultMigrateBatchSize      = 8
	defaultMigrateInitRetries    = 3
	defaultOffsetGapTolerance    = 1 << 20 // 1 MiB
	defaultUpdateApplyMaxRetry   = 5
	defaultWorkerThreads         = 4
)

// Parse builds a Config from args (normally os.Args[1:]).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("zeppelin-meta", flag.ContinueOnError)

	localIP := fs.String("local-ip", "127.0.0.1", "local IP this node advertises to peers")
	localPort := fs.Int("local-port", 9221, "local base port this node listens on")
	peers := fs.String("peers", "", "comma-separated peer addresses (ip:port), self included")
	dataPath := fs.String("data-path", "./meta_data", "local data directory, for anything not held in the replicated log")
	workers := fs.Int("worker-threads", defaultWorkerThreads, "must be positive; not used to size any pool: the command server runs one goroutine per connection")
	aliveTTL := fs.Duration("node-alive-ttl", defaultNodeAliveTTL, "heartbeat age beyond which a data node is considered down")
	cronInterval := fs.Duration("meta-cron-interval", defaultMetaCronInterval, "top-level cron tick interval")
	condInterval := fs.Duration("condition-cron-interval", defaultConditionCronInterval, "condition cron tick interval")
	condTimeout := fs.Duration("condition-cron-timeout", defaultConditionCronTimeout, "condition cron per-entry timeout before compensating")
	migrateBatch := fs.Int("migrate-batch-size", defaultMigrateBatchSize, "max migration items drained per GetN call")
	migrateRetries := fs.Int("migrate-init-retries", defaultMigrateInitRetries, "max ProcessMigrate attempts a MIGRATE command makes after staging its diffs")
	offsetTolerance := fs.Int64("offset-gap-tolerance", defaultOffsetGapTolerance, "byte gap tolerated between reference and candidate offsets")
	applyRetry := fs.Int("update-apply-max-retry", defaultUpdateApplyMaxRetry, "max retries for a conflicting update batch before it is dropped")
	dsn := fs.String("postgres-dsn", "", "DSN for the Postgres-backed replicated log")
	metricsAddr := fs.String("metrics-addr", ":9222", "address to serve /metrics on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		LocalIP:               *localIP,
		LocalPort:             *localPort,
		DataPath:              *dataPath,
		WorkerThreads:         *workers,
		NodeAliveTTL:          *aliveTTL,
		MetaCronInterval:      *cronInterval,
		ConditionCronInterval: *condInterval,
		ConditionCronTimeout:  *condTimeout,
		MigrateBatchSize:      *migrateBatch,
		MigrateInitRetries:    *migrateRetries,
		OffsetGapTolerance:    *offsetTolerance,
		UpdateApplyMaxRetry:   *applyRetry,
		PostgresDSN:           *dsn,
		MetricsAddr:           *metricsAddr,
	}

	if *peers != "" {
		for _, p := range strings.Split(*peers, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			cfg.Peers = append(cfg.Peers, topology.Addr(p))
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Self returns this node's own advertised address.
func (c *Config) Self() topology.Addr {
	return topology.NewAddr(c.LocalIP, c.LocalPort)
}

func (c *Config) validate() error {
	if c.LocalPort <= 0 {
		return fmt.Errorf("config: local-port must be positive, got %d", c.LocalPort)
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("config: worker-threads must be positive, got %d", c.WorkerThreads)
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres-dsn is required")
	}
	return nil
}
