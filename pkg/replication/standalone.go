package replication

import (
	"context"
	"sync/atomic"

	"github.com/skald-db/skald/pkg/command"
)

// StandaloneNode is a no-op Node for single-node operation: always
// mastering, commits never fail, nothing to escalate.
type StandaloneNode struct {
	nodeVersion string

	committing atomic.Bool
	lastOK     atomic.Bool

	shuttingDown atomic.Bool
}

// NewStandaloneNode constructs a StandaloneNode reporting version as its
// (and the cluster's, since there is only one node) leader version.
func NewStandaloneNode(version string) *StandaloneNode {
	return &StandaloneNode{nodeVersion: version}
}

func (n *StandaloneNode) Role() Role { return RoleMastering }

func (n *StandaloneNode) LeaderVersion() string { return n.nodeVersion }

func (n *StandaloneNode) PreSelect(ctx context.Context) error  { return nil }
func (n *StandaloneNode) PostSelect(ctx context.Context) error { return nil }

func (n *StandaloneNode) Update(ctx context.Context) (bool, error) {
	return true, nil
}

func (n *StandaloneNode) StartCommit(cmd *command.Command, consistency command.Consistency) error {
	n.committing.Store(true)
	// A single node has no peers to acknowledge; the Sync Coordinator has
	// already committed the write through the engine before calling
	// StartCommit, so StartCommit only needs to record that a finalize is due.
	n.lastOK.Store(true)
	n.committing.Store(false)
	return nil
}

func (n *StandaloneNode) CommitInProgress() bool { return n.committing.Load() }
func (n *StandaloneNode) CommitSucceeded() bool  { return n.lastOK.Load() }

func (n *StandaloneNode) SendResponse(cmd *command.Command) error {
	// No peers exist in standalone mode; a peer-originated command should
	// never occur, but treat it as a successful no-op rather than panic.
	return nil
}

func (n *StandaloneNode) EscalateCommand(cmd *command.Command) error {
	// There is no other node to escalate to; standalone mode only reaches
	// here if a worker's NeedsCoordinator logic misfires, which would be a
	// programmer error elsewhere, not a replication concern.
	return ErrNoPeers
}

func (n *StandaloneNode) ShutdownComplete() bool { return n.shuttingDown.Load() }
func (n *StandaloneNode) RequestShutdown()       { n.shuttingDown.Store(true) }
