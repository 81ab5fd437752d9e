// Package cluster propagates cache invalidations between peer nodes over a
// memberlist gossip mesh, so a purge issued on one node clears stale entries
// everywhere without a shared broker.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Invalidator applies a cache invalidation on the local node.
type Invalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// Config holds cluster gossip configuration.
type Config struct {
	Enabled        bool
	NodeID         string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	RetransmitMult int
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// invalidationMessage is the gossip payload for one cache purge.
type invalidationMessage struct {
	Origin      string    `json:"origin"`
	Prefix      string    `json:"prefix"`
	RequestedAt time.Time `json:"requested_at"`
}

// invalidationBroadcast adapts an encoded message to the transmit queue.
type invalidationBroadcast struct {
	data []byte
}

func (b *invalidationBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *invalidationBroadcast) Message() []byte                       { return b.data }
func (b *invalidationBroadcast) Finished()                             {}

// Broadcaster gossips cache invalidations to the cluster and applies inbound
// ones to the local store. With gossip disabled it degrades to a no-op so the
// admin surface works identically on a single node.
type Broadcaster struct {
	cfg    Config
	store  Invalidator
	logger *zap.Logger

	members *memberlist.Memberlist
	queue   *memberlist.TransmitLimitedQueue
}

// NewBroadcaster creates the broadcaster and, when gossip is enabled, joins
// the mesh. Seed nodes that cannot be reached are logged, not fatal; they may
// simply not be up yet.
func NewBroadcaster(cfg Config, store Invalidator, logger *zap.Logger) (*Broadcaster, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if cfg.RetransmitMult <= 0 {
		cfg.RetransmitMult = 3
	}

	b := &Broadcaster{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
	if !cfg.Enabled {
		logger.Info("Cluster gossip disabled, cache invalidations stay local")
		return b, nil
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = b
	mlConfig.Events = &clusterEvents{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	b.members = ml
	b.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: cfg.RetransmitMult,
	}

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	logger.Info("Cluster gossip started",
		zap.String("node_id", cfg.NodeID),
		zap.Int("bind_port", cfg.BindPort),
		zap.Strings("seed_nodes", cfg.SeedNodes))
	return b, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NodeID returns this node's cluster name.
func (b *Broadcaster) NodeID() string {
	return b.cfg.NodeID
}

// BroadcastInvalidation queues a cache purge for gossip to every peer. The
// local store is not touched here; callers invalidate locally first.
func (b *Broadcaster) BroadcastInvalidation(prefix string) {
	if b.members == nil {
		return
	}

	data, err := json.Marshal(invalidationMessage{
		Origin:      b.cfg.NodeID,
		Prefix:      prefix,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("Failed to encode invalidation broadcast", zap.Error(err))
		return
	}

	b.queue.QueueBroadcast(&invalidationBroadcast{data: data})
	b.logger.Debug("Queued invalidation broadcast", zap.String("prefix", prefix))
}

// Members returns the names of the known cluster members. A disabled
// broadcaster reports only itself.
func (b *Broadcaster) Members() []string {
	if b.members == nil {
		return []string{b.cfg.NodeID}
	}
	nodes := b.members.Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

// Shutdown leaves the mesh. Safe to call on a disabled broadcaster.
func (b *Broadcaster) Shutdown() error {
	if b.members == nil {
		return nil
	}
	return b.members.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (b *Broadcaster) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate. It applies a peer's invalidation
// to the local store; messages echoed back from this node are skipped.
func (b *Broadcaster) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}

	var msg invalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if msg.Origin == b.cfg.NodeID {
		return
	}

	// NotifyMsg must not block the gossip loop.
	go b.applyInvalidation(msg)
}

func (b *Broadcaster) applyInvalidation(msg invalidationMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	removed, err := b.store.InvalidatePrefix(ctx, msg.Prefix)
	if err != nil {
		b.logger.Error("Failed to apply gossiped invalidation",
			zap.String("origin", msg.Origin),
			zap.String("prefix", msg.Prefix),
			zap.Error(err))
		return
	}

	b.logger.Info("Applied gossiped invalidation",
		zap.String("origin", msg.Origin),
		zap.String("prefix", msg.Prefix),
		zap.Int("removed", removed))
}

// GetBroadcasts implements memberlist.Delegate.
func (b *Broadcaster) GetBroadcasts(overhead, limit int) [][]byte {
	if b.queue == nil {
		return nil
	}
	return b.queue.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate.
func (b *Broadcaster) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (b *Broadcaster) MergeRemoteState(buf []byte, join bool) {
}

// clusterEvents logs membership changes.
type clusterEvents struct {
	logger *zap.Logger
}

// NotifyJoin is called when a node joins the mesh.
func (d *clusterEvents) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Cluster node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves the mesh.
func (d *clusterEvents) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Cluster node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node's metadata changes.
func (d *clusterEvents) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Cluster node updated",
		zap.String("node_id", node.Name))
}
