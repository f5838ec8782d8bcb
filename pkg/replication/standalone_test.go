package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
)

func TestStandaloneNodeAlwaysMasters(t *testing.T) {
	n := NewStandaloneNode("v1")
	assert.Equal(t, RoleMastering, n.Role())
	assert.Equal(t, "v1", n.LeaderVersion())

	quiescent, err := n.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, quiescent)
}

func TestStandaloneNodeCommitAlwaysSucceeds(t *testing.T) {
	n := NewStandaloneNode("v1")
	cmd := command.New(1)
	require.NoError(t, n.StartCommit(cmd, command.ConsistencyAsync))
	assert.False(t, n.CommitInProgress())
	assert.True(t, n.CommitSucceeded())
}

func TestStandaloneNodeEscalateReturnsNoPeers(t *testing.T) {
	n := NewStandaloneNode("v1")
	err := n.EscalateCommand(command.New(1))
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestStandaloneNodeShutdown(t *testing.T) {
	n := NewStandaloneNode("v1")
	assert.False(t, n.ShutdownComplete())
	n.RequestShutdown()
	assert.True(t, n.ShutdownComplete())
}
