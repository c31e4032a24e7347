package replog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ccyuki/zeppelin/internal/topology"
	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// nodeStatus is the election status of a meta peer, persisted alongside its
// heartbeat. Grounded on debarshibasak-leaderelection's NodeStatus.
type nodeStatus string

const (
	statusFollower nodeStatus = "follower"
	statusLeader   nodeStatus = "leader"
)

// metaNodeRecord is one meta peer's row in the ensemble table, doubling as
// both the leader-election ballot and the peer directory consulted by
// GetAllNodes/ListMeta.
type metaNodeRecord struct {
	Addr          string `gorm:"primaryKey"`
	Status        nodeStatus `gorm:"type:varchar(20)"`
	LastHeartbeat time.Time  `gorm:"index"`
	Term          int64      `gorm:"index"`
	Priority      int        `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (metaNodeRecord) TableName() string { return "meta_nodes" }

// kvEntry is a generic row in the flat key-value space the rest of the meta
// node treats as its persisted state: "nodes", "tables", "t_<name>",
// "migrate", "epoch".
type kvEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (kvEntry) TableName() string { return "kv_entries" }

// Options configures a PostgresLog.
type Options struct {
	Self              topology.Addr
	DB                *gorm.DB
	Priority          int
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	NodeTimeout       time.Duration
	Logger            *zap.Logger
}

// PostgresLog is the concrete ReplicatedLog reference implementation: a
// shared Postgres schema reached through gorm, with priority-based leader
// election patterned directly on debarshibasak-leaderelection's Elector.
// Unlike an embedded single-process engine, every meta peer process talks
// to the same database, which is what actually makes writes observable
// across the ensemble the way the distilled spec's ReplicatedLog requires.
type PostgresLog struct {
	self   topology.Addr
	db     *gorm.DB
	logger *zap.Logger

	priority          int
	heartbeatInterval time.Duration
	electionTimeout   time.Duration
	nodeTimeout       time.Duration

	mu     sync.RWMutex
	status nodeStatus
	term   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open registers self in the meta_nodes table, migrates the schema if
// necessary, and starts the background heartbeat/election/cleanup loops.
func Open(opts Options) (*PostgresLog, error) {
	if opts.Self == "" {
		return nil, fmt.Errorf("replog: Self is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("replog: DB is required")
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 3 * time.Second
	}
	if opts.ElectionTimeout == 0 {
		opts.ElectionTimeout = 9 * time.Second
	}
	if opts.NodeTimeout == 0 {
		opts.NodeTimeout = 18 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := opts.DB.AutoMigrate(&metaNodeRecord{}, &kvEntry{}); err != nil {
		return nil, fmt.Errorf("replog: migrate schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &PostgresLog{
		self:              opts.Self,
		db:                opts.DB,
		logger:            opts.Logger,
		priority:          opts.Priority,
		heartbeatInterval: opts.HeartbeatInterval,
		electionTimeout:   opts.ElectionTimeout,
		nodeTimeout:       opts.NodeTimeout,
		status:            statusFollower,
		ctx:               ctx,
		cancel:            cancel,
	}

	if err := l.registerSelf(); err != nil {
		cancel()
		return nil, fmt.Errorf("replog: register self: %w", err)
	}

	l.wg.Add(3)
	go l.heartbeatLoop()
	go l.electionLoop()
	go l.cleanupLoop()

	return l, nil
}

// Self returns this process's own registered address.
func (l *PostgresLog) Self() topology.Addr { return l.self }

func (l *PostgresLog) registerSelf() error {
	rec := metaNodeRecord{
		Addr:          string(l.self),
		Status:        statusFollower,
		LastHeartbeat: time.Now(),
		Term:          0,
		Priority:      l.priority,
	}
	return l.db.Transaction(func(tx *gorm.DB) error {
		var existing metaNodeRecord
		err := tx.Where("addr = ?", l.self).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&metaNodeRecord{}).Where("addr = ?", l.self).
			Updates(map[string]interface{}{
				"status":         statusFollower,
				"last_heartbeat": time.Now(),
				"priority":       l.priority,
			}).Error
	})
}

// IsLeader reports whether this process currently believes it holds
// leadership.
func (l *PostgresLog) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status == statusLeader
}

func (l *PostgresLog) heartbeatLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			// Every peer heartbeats so it stays listed by GetAllNodes and
			// electable; only the leader also reasserts its status and term.
			l.mu.RLock()
			isLeader, term := l.status == statusLeader, l.term
			l.mu.RUnlock()
			updates := map[string]interface{}{"last_heartbeat": time.Now()}
			if isLeader {
				updates["status"] = statusLeader
				updates["term"] = term
			}
			err := l.db.Model(&metaNodeRecord{}).Where("addr = ?", l.self).
				Updates(updates).Error
			if err != nil {
				l.logger.Warn("replog: heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (l *PostgresLog) electionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.electionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.maybeStartElection(); err != nil {
				l.logger.Warn("replog: election check failed", zap.Error(err))
			}
		}
	}
}

func (l *PostgresLog) maybeStartElection() error {
	if l.IsLeader() {
		return nil
	}

	var count int64
	err := l.db.Model(&metaNodeRecord{}).
		Where("status = ? AND last_heartbeat > ?", statusLeader, time.Now().Add(-l.electionTimeout)).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return l.db.Transaction(func(tx *gorm.DB) error {
		var nodes []metaNodeRecord
		err := tx.Where("last_heartbeat > ?", time.Now().Add(-l.nodeTimeout)).
			Order("priority DESC, addr ASC").
			Find(&nodes).Error
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("replog: no alive peers found")
		}

		highest := nodes[0]
		if highest.Addr != string(l.self) {
			l.mu.Lock()
			l.status = statusFollower
			l.mu.Unlock()
			return tx.Model(&metaNodeRecord{}).Where("addr = ?", l.self).
				Updates(map[string]interface{}{
					"status":         statusFollower,
					"last_heartbeat": time.Now(),
				}).Error
		}

		l.mu.Lock()
		l.term++
		newTerm := l.term
		l.status = statusLeader
		l.mu.Unlock()

		if err := tx.Model(&metaNodeRecord{}).Where("addr = ?", l.self).
			Updates(map[string]interface{}{
				"status":         statusLeader,
				"term":           newTerm,
				"last_heartbeat": time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&metaNodeRecord{}).
			Where("addr != ? AND status = ?", l.self, statusLeader).
			Update("status", statusFollower).Error
	})
}

func (l *PostgresLog) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.nodeTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.nodeTimeout * 2)
			err := l.db.Where("last_heartbeat < ?", cutoff).Delete(&metaNodeRecord{}).Error
			if err != nil {
				l.logger.Warn("replog: cleanup of stale peers failed", zap.Error(err))
			}
		}
	}
}

// Read implements Log.
func (l *PostgresLog) Read(ctx context.Context, key string) ([]byte, error) {
	var entry kvEntry
	err := l.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, metaerr.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", metaerr.IOError, key, err)
	}
	return entry.Value, nil
}

// Write implements Log. A write is only linearizable when the caller holds
// leadership; a follower attempting to write observes Conflict, matching
// "linearizable writes through the leader" from the replicated-log contract.
func (l *PostgresLog) Write(ctx context.Context, key string, value []byte) error {
	if !l.IsLeader() {
		return metaerr.Conflict
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := kvEntry{Key: key, Value: value, UpdatedAt: time.Now()}
		return tx.Save(&entry).Error
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", metaerr.IOError, key, err)
	}
	return nil
}

// Delete implements Log.
func (l *PostgresLog) Delete(ctx context.Context, key string) error {
	if !l.IsLeader() {
		return metaerr.Conflict
	}
	err := l.db.WithContext(ctx).Where("key = ?", key).Delete(&kvEntry{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", metaerr.IOError, key, err)
	}
	return nil
}

// GetLeader implements Log.
func (l *PostgresLog) GetLeader(ctx context.Context) (topology.Addr, bool, error) {
	var rec metaNodeRecord
	err := l.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat > ?", statusLeader, time.Now().Add(-l.nodeTimeout)).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get leader: %v", metaerr.IOError, err)
	}
	return topology.Addr(rec.Addr), true, nil
}

// GetAllNodes implements Log.
func (l *PostgresLog) GetAllNodes(ctx context.Context) ([]topology.Addr, error) {
	var recs []metaNodeRecord
	err := l.db.WithContext(ctx).
		Where("last_heartbeat > ?", time.Now().Add(-l.nodeTimeout)).
		Order("priority DESC, addr ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: get all nodes: %v", metaerr.IOError, err)
	}
	addrs := make([]topology.Addr, len(recs))
	for i, r := range recs {
		addrs[i] = topology.Addr(r.Addr)
	}
	return addrs, nil
}

// GetServerStatus implements Log, surfaced verbatim by the MetaStatus
// command (supplemented from zp_meta_server.cc's GetMetaStatus).
func (l *PostgresLog) GetServerStatus(ctx context.Context) (string, error) {
	l.mu.RLock()
	status, term := l.status, l.term
	l.mu.RUnlock()

	nodes, err := l.GetAllNodes(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("self=%s status=%s term=%d peers=%d", l.self, status, term, len(nodes)), nil
}

// Close stops the background loops and marks self stale so a concurrent
// election does not wait out nodeTimeout for a clean shutdown to be noticed.
func (l *PostgresLog) Close() error {
	l.cancel()
	l.wg.Wait()

	return l.db.Model(&metaNodeRecord{}).Where("addr = ?", l.self).
		Updates(map[string]interface{}{
			"status":         statusFollower,
			"last_heartbeat": time.Now().Add(-l.nodeTimeout),
		}).Error
}
