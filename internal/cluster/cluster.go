// Package cluster tracks compactor node identity and liveness, and carries
// file-list change notifications between nodes.
package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Node is one compactor process.
type Node struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
}

// NewNode mints a fresh node identity. Identity is per-process: a restarted
// node is a new node, which is what lets stale ownership be detected.
func NewNode(addr string) Node {
	return Node{ID: uuid.NewString(), Addr: addr, StartedAt: time.Now().UTC()}
}

// Registry answers "is this node alive" for the ownership checks, and keeps
// this node's own liveness fresh.
type Registry interface {
	Self() Node
	// IsAlive reports whether id belongs to a node with a current heartbeat.
	// Unknown ids are not alive.
	IsAlive(ctx context.Context, id string) (bool, error)
	// Peers lists live nodes other than self.
	Peers(ctx context.Context) ([]Node, error)
	// Run keeps the heartbeat fresh until ctx ends, then deregisters.
	Run(ctx context.Context) error
}

// LocalRegistry is the single-node registry: only this process exists.
type LocalRegistry struct {
	node Node
}

func NewLocalRegistry(node Node) *LocalRegistry {
	return &LocalRegistry{node: node}
}

func (r *LocalRegistry) Self() Node { return r.node }

func (r *LocalRegistry) IsAlive(_ context.Context, id string) (bool, error) {
	return id == r.node.ID, nil
}

func (r *LocalRegistry) Peers(context.Context) ([]Node, error) { return nil, nil }

func (r *LocalRegistry) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
