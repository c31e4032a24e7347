package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/leaderjoint"
	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/internal/updatethread"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// MigrationResumer re-drives staged migration items' ConditionCron gating
// entries without going through MigrateRegister.Init. Cron calls it on every
// tick while this node is leader so a migration in progress at the time of a
// leadership change, or a staged batch bigger than one ProcessMigrate call,
// keeps making progress without a client ever re-issuing MIGRATE.
type MigrationResumer interface {
	ResumeMigrations(ctx context.Context) error
}

// Cron is the top-level periodic loop: RefreshLeader every tick,
// InfoStore.Refresh on followers only, a liveness scan that turns expired
// heartbeats into DownNode tasks, a migration-resume sweep, and a QPS window
// flush.
type Cron struct {
	store     *infostore.InfoStore
	joint     *leaderjoint.LeaderJoint
	updates   *updatethread.UpdateThread
	collector *metrics.Collector
	resumer   MigrationResumer
	logger    *zap.Logger
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCron returns a Cron ticking at interval. Call Start to begin. resumer
// may be nil, in which case the migration-resume sweep is skipped.
func NewCron(store *infostore.InfoStore, joint *leaderjoint.LeaderJoint, updates *updatethread.UpdateThread, collector *metrics.Collector, resumer MigrationResumer, logger *zap.Logger, interval time.Duration) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cron{
		store:     store,
		joint:     joint,
		updates:   updates,
		collector: collector,
		resumer:   resumer,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the cron goroutine.
func (c *Cron) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the cron goroutine. The top-level cron observes the stop
// signal at every sleep boundary, matching should_exit_ in the source.
func (c *Cron) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cron) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cron) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	if err := c.joint.RefreshLeader(ctx); err != nil {
		c.logger.Warn("cron: refresh leader failed", zap.Error(err))
	}

	if !c.joint.IsLeader() {
		if err := c.store.Refresh(ctx); err != nil {
			c.logger.Warn("cron: refresh topology failed", zap.Error(err))
		}
	} else {
		// Only the leader's Apply can ever succeed; a follower running this
		// scan would just enqueue DownNode tasks doomed to Conflict.
		for _, addr := range c.store.FetchExpiredNode() {
			c.updates.PendingUpdate(topology.UpdateTask{Kind: topology.TaskDownNode, Node: addr})
		}

		if c.resumer != nil {
			if err := c.resumer.ResumeMigrations(ctx); err != nil && !errors.Is(err, metaerr.Incomplete) {
				c.logger.Warn("cron: resume migrations failed", zap.Error(err))
			}
		}
	}

	metrics.Epoch.Set(float64(c.store.Epoch()))
	alive := 0
	for _, live := range c.store.GetAllNodes() {
		if live.Up {
			alive++
		}
	}
	metrics.AliveNodes.Set(float64(alive))

	if c.collector != nil {
		c.collector.FlushQPSWindow()
	}
}
