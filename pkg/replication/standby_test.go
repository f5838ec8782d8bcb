package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
)

type fakePeerLink struct {
	mu        sync.Mutex
	fail      bool
	hbCount   int
	escalated []*command.Command
	escResp   *command.Command
}

func (f *fakePeerLink) SendHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hbCount++
	if f.fail {
		return HeartbeatResponse{}, assert.AnError
	}
	return HeartbeatResponse{NodeID: "peer", Role: RoleMastering, Version: "v1"}, nil
}

func (f *fakePeerLink) SendEscalation(ctx context.Context, cmd *command.Command) (*command.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, cmd)
	if f.escResp != nil {
		return f.escResp, nil
	}
	resp := command.NewPeerCommand(0)
	resp.ID = cmd.ID
	resp.Response.MethodLine = "200 OK"
	resp.MarkComplete()
	return resp, nil
}

func (f *fakePeerLink) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	accepted []*command.Command
}

func (s *fakeSink) AcceptCommand(cmd *command.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, cmd)
}

func TestHAStandbyNodePromotesToInitialRoleAfterFirstHeartbeat(t *testing.T) {
	peer := &fakePeerLink{}
	sink := &fakeSink{}
	n := NewHAStandbyNode("n1", "v1", RoleSlaving, peer, sink, 200*time.Millisecond)
	assert.Equal(t, RoleStandingUp, n.Role())

	_, err := n.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleSlaving, n.Role())
}

func TestHAStandbyNodeSelfPromotesAfterHeartbeatTimeout(t *testing.T) {
	peer := &fakePeerLink{}
	sink := &fakeSink{}
	n := NewHAStandbyNode("n1", "v1", RoleSlaving, peer, sink, 30*time.Millisecond)

	_, err := n.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, RoleSlaving, n.Role())

	peer.mu.Lock()
	peer.fail = true
	peer.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, _ = n.Update(context.Background())
		if n.Role() == RoleMastering {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, RoleMastering, n.Role())
}

func TestHAStandbyNodeEscalateCommandReinjectsViaSink(t *testing.T) {
	peer := &fakePeerLink{}
	sink := &fakeSink{}
	n := NewHAStandbyNode("n1", "v1", RoleSlaving, peer, sink, time.Second)

	cmd := command.New(1)
	cmd.Request.MethodLine = "testcommand"
	require.NoError(t, n.EscalateCommand(cmd))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		got := len(sink.accepted)
		sink.mu.Unlock()
		if got > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.accepted, 1)
	assert.True(t, sink.accepted[0].Complete())
}

func TestHAStandbyNodeEscalateCommandDedupesInFlight(t *testing.T) {
	peer := &fakePeerLink{}
	sink := &fakeSink{}
	n := NewHAStandbyNode("n1", "v1", RoleSlaving, peer, sink, time.Second)

	cmd := command.New(1)
	cmd.Request.MethodLine = "testcommand"
	require.NoError(t, n.EscalateCommand(cmd))
	require.NoError(t, n.EscalateCommand(cmd))

	time.Sleep(50 * time.Millisecond)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Len(t, peer.escalated, 1)
}
