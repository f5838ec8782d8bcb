package lifecycle

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/plugin"
	"github.com/skald-db/skald/pkg/replication"
)

type fakeNode struct {
	role             atomic.Int32
	leaderVersion    atomic.Value
	shutdownComplete atomic.Bool
}

func newFakeNode(role replication.Role, version string) *fakeNode {
	n := &fakeNode{}
	n.role.Store(int32(role))
	n.leaderVersion.Store(version)
	return n
}

func (n *fakeNode) Role() replication.Role { return replication.Role(n.role.Load()) }
func (n *fakeNode) LeaderVersion() string  { return n.leaderVersion.Load().(string) }
func (n *fakeNode) PreSelect(context.Context) error  { return nil }
func (n *fakeNode) PostSelect(context.Context) error { return nil }
func (n *fakeNode) Update(context.Context) (bool, error) { return true, nil }
func (n *fakeNode) StartCommit(*command.Command, command.Consistency) error { return nil }
func (n *fakeNode) CommitInProgress() bool { return false }
func (n *fakeNode) CommitSucceeded() bool  { return true }
func (n *fakeNode) SendResponse(*command.Command) error { return nil }
func (n *fakeNode) EscalateCommand(*command.Command) error { return nil }
func (n *fakeNode) ShutdownComplete() bool { return n.shutdownComplete.Load() }
func (n *fakeNode) RequestShutdown()       { n.shutdownComplete.Store(true) }

func countingPort(name string, started, stopped *atomic.Int32) plugin.AuxPort {
	return plugin.AuxPort{
		Name:    name,
		Address: "127.0.0.1:0",
		Serve: func(ctx context.Context, address string) error {
			started.Add(1)
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		},
	}
}

func TestControllerOpensPortWhenRoleReady(t *testing.T) {
	node := newFakeNode(replication.RoleMastering, "v1")
	var started, stopped atomic.Int32
	var shutdown atomic.Bool
	port := countingPort("main", &started, &stopped)

	c := New(node, command.NewQueue(), &shutdown, "v1", port, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.tick(ctx)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return stopped.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestControllerSuppressesOnVersionSkew(t *testing.T) {
	node := newFakeNode(replication.RoleSlaving, "v2")
	var started, stopped atomic.Int32
	var shutdown atomic.Bool
	port := countingPort("main", &started, &stopped)

	c := New(node, command.NewQueue(), &shutdown, "v1", port, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), started.Load())
}

func TestManualSuppressionOverridesAutomaticLogic(t *testing.T) {
	node := newFakeNode(replication.RoleMastering, "v1")
	var started, stopped atomic.Int32
	var shutdown atomic.Bool
	port := countingPort("main", &started, &stopped)

	c := New(node, command.NewQueue(), &shutdown, "v1", port, nil, nil, nil)
	c.HandleSignal(syscall.SIGTTIN)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), started.Load(), "manual suppression must override a ready role")

	c.HandleSignal(syscall.SIGTTOU)
	c.tick(ctx)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOtherSignalTriggersGracefulShutdown(t *testing.T) {
	node := newFakeNode(replication.RoleMastering, "v1")
	var started, stopped atomic.Int32
	var shutdown atomic.Bool
	port := countingPort("main", &started, &stopped)

	c := New(node, command.NewQueue(), &shutdown, "v1", port, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.tick(ctx)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.HandleSignal(syscall.SIGINT)
	assert.True(t, shutdown.Load())
	require.Eventually(t, func() bool { return stopped.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestShutdownCompleteForcesStaleRoleToSearching(t *testing.T) {
	node := newFakeNode(replication.RoleMastering, "v1")
	node.shutdownComplete.Store(true)
	var started, stopped atomic.Int32
	var shutdown atomic.Bool
	shutdown.Store(true)
	port := countingPort("main", &started, &stopped)

	inbound := command.NewQueue()
	c := New(node, inbound, &shutdown, "v1", port, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.tick(ctx)

	assert.True(t, c.ShutdownComplete())
}
