package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skald-db/skald/pkg/command"
)

// HeartbeatRequest is sent peer-to-peer on every tick to track liveness and
// exchange role/version. It carries no WAL position since data replication
// is out of scope here.
type HeartbeatRequest struct {
	NodeID  string
	Role    Role
	Version string
}

// HeartbeatResponse is a peer's reply to a HeartbeatRequest.
type HeartbeatResponse struct {
	NodeID  string
	Role    Role
	Version string
}

// PeerLink is the network boundary an HAStandbyNode uses to talk to its
// one peer: heartbeats for liveness/role exchange, and escalation for
// follower-to-leader command forwarding.
type PeerLink interface {
	SendHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	SendEscalation(ctx context.Context, cmd *command.Command) (*command.Command, error)
	Close() error
}

// HAStandbyNode implements two-node hot-standby replication: one node
// masters, the other slaves and heartbeats the master. If the master
// misses heartbeatTimeout worth of heartbeats, the standby promotes itself
// — fixed-role failover, not a leader-election vote (no quorum, no terms).
type HAStandbyNode struct {
	nodeID  string
	version string
	peer    PeerLink
	sink    AcceptSink

	initialRole      Role // RoleMastering or RoleSlaving, from configured priority
	heartbeatTimeout time.Duration
	tickInterval     time.Duration

	role atomic.Int32 // holds a Role

	mu              sync.Mutex
	lastPeerContact time.Time
	peerVersion     string
	haveContact     bool

	committing   atomic.Bool
	lastOK       atomic.Bool
	shuttingDown atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]struct{} // command IDs currently escalating
}

// NewHAStandbyNode constructs a node that starts in initialRole (cmd/skald
// picks RoleMastering when the configured priority is positive, RoleSlaving
// otherwise) and fails over to mastering if its peer falls silent for
// heartbeatTimeout.
func NewHAStandbyNode(nodeID, version string, initialRole Role, peer PeerLink, sink AcceptSink, heartbeatTimeout time.Duration) *HAStandbyNode {
	n := &HAStandbyNode{
		nodeID:           nodeID,
		version:          version,
		peer:             peer,
		sink:             sink,
		initialRole:      initialRole,
		heartbeatTimeout: heartbeatTimeout,
		tickInterval:     heartbeatTimeout / 4,
		pending:          make(map[string]struct{}),
	}
	n.role.Store(int32(RoleStandingUp))
	return n
}

func (n *HAStandbyNode) Role() Role { return Role(n.role.Load()) }

func (n *HAStandbyNode) LeaderVersion() string {
	if n.Role() == RoleMastering {
		return n.version
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peerVersion
}

func (n *HAStandbyNode) PreSelect(ctx context.Context) error { return nil }

func (n *HAStandbyNode) PostSelect(ctx context.Context) error { return nil }

// Update sends one heartbeat to the peer and updates role state from the
// result. It always reports quiescent (true): skald's HA mode needs only
// one pass per coordinator tick, unlike a multi-round consensus protocol.
func (n *HAStandbyNode) Update(ctx context.Context) (bool, error) {
	if n.shuttingDown.Load() {
		n.role.Store(int32(RoleStandingDown))
		return true, nil
	}

	hbCtx, cancel := context.WithTimeout(ctx, n.tickInterval)
	resp, err := n.peer.SendHeartbeat(hbCtx, HeartbeatRequest{
		NodeID:  n.nodeID,
		Role:    n.Role(),
		Version: n.version,
	})
	cancel()

	if err != nil {
		n.onHeartbeatFailure()
		return true, nil
	}

	n.mu.Lock()
	n.lastPeerContact = time.Now()
	n.peerVersion = resp.Version
	n.haveContact = true
	n.mu.Unlock()

	if n.Role() == RoleStandingUp {
		n.role.Store(int32(n.initialRole))
	}
	return true, nil
}

func (n *HAStandbyNode) onHeartbeatFailure() {
	n.mu.Lock()
	sinceContact := time.Since(n.lastPeerContact)
	hadContact := n.haveContact
	n.mu.Unlock()

	switch n.Role() {
	case RoleStandingUp:
		if !hadContact {
			n.role.Store(int32(RoleSearching))
		}
	case RoleSlaving:
		if hadContact && sinceContact > n.heartbeatTimeout {
			n.role.Store(int32(RoleMastering))
		}
	}
}

func (n *HAStandbyNode) StartCommit(cmd *command.Command, consistency command.Consistency) error {
	n.committing.Store(true)
	// The storage-level commit itself runs through pkg/dbengine; this only
	// needs to track that a finalize is due. ONE/QUORUM acknowledgement
	// from the standby is a data-replication concern (out of scope here);
	// this node treats every started commit as immediately acknowledged.
	n.lastOK.Store(true)
	n.committing.Store(false)
	return nil
}

func (n *HAStandbyNode) CommitInProgress() bool { return n.committing.Load() }
func (n *HAStandbyNode) CommitSucceeded() bool  { return n.lastOK.Load() }

func (n *HAStandbyNode) SendResponse(cmd *command.Command) error {
	_, err := n.peer.SendEscalation(context.Background(), cmd)
	return err
}

// EscalateCommand forwards cmd to the peer (presumed leader) in the
// background and re-injects cmd, marked complete with the leader's
// response, via AcceptSink once the round trip finishes — matching the
// core's expectation that escalation does not block the calling tick.
func (n *HAStandbyNode) EscalateCommand(cmd *command.Command) error {
	n.pendingMu.Lock()
	if _, already := n.pending[cmd.ID]; already {
		n.pendingMu.Unlock()
		return nil
	}
	n.pending[cmd.ID] = struct{}{}
	n.pendingMu.Unlock()

	go func() {
		defer func() {
			n.pendingMu.Lock()
			delete(n.pending, cmd.ID)
			n.pendingMu.Unlock()
		}()
		resp, err := n.peer.SendEscalation(context.Background(), cmd)
		if err != nil {
			cmd.Response.MethodLine = "500 escalation failed: " + err.Error()
			cmd.MarkComplete()
			n.sink.AcceptCommand(cmd)
			return
		}
		cmd.Response = resp.Response
		cmd.MarkComplete()
		n.sink.AcceptCommand(cmd)
	}()
	return nil
}

func (n *HAStandbyNode) ShutdownComplete() bool {
	return n.shuttingDown.Load() && n.Role() == RoleStandingDown
}

func (n *HAStandbyNode) RequestShutdown() {
	n.shuttingDown.Store(true)
}
