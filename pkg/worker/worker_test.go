package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/dbengine"
)

func newTestEngine(t *testing.T) *dbengine.Engine {
	t.Helper()
	store, err := dbengine.NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := dbengine.New(store)
	dbengine.RegisterBuiltins(e)
	return e
}

func TestWorkerCompletesLocalReadOnlyCommand(t *testing.T) {
	engine := newTestEngine(t)
	queue := command.NewQueue()
	coordQueue := command.NewQueue()
	replies := make(chan *command.Command, 4)
	var shutdown atomic.Bool

	pool := New(1, queue, engine, coordQueue, replies, &shutdown, nil)
	pool.Start()
	defer func() {
		shutdown.Store(true)
		pool.Wait()
	}()

	cmd := command.New(1)
	cmd.Request.MethodLine = "testcommand"
	queue.Push(cmd)

	select {
	case got := <-replies:
		assert.Equal(t, cmd.ID, got.ID)
		assert.Equal(t, "200 OK", got.Response.MethodLine)
		assert.True(t, got.Complete())
	case <-time.After(time.Second):
		t.Fatal("worker did not deliver a reply")
	}
}

func TestWorkerForwardsNonAsyncWriteToCoordinator(t *testing.T) {
	engine := newTestEngine(t)
	queue := command.NewQueue()
	coordQueue := command.NewQueue()
	replies := make(chan *command.Command, 4)
	var shutdown atomic.Bool

	pool := New(1, queue, engine, coordQueue, replies, &shutdown, nil)
	pool.Start()
	defer func() {
		shutdown.Store(true)
		pool.Wait()
	}()

	cmd := command.New(1)
	cmd.Request.MethodLine = "idcollision"
	cmd.WriteConsistency = command.ConsistencyQuorum
	queue.Push(cmd)

	coordCmd, err := coordQueue.Pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.ID, coordCmd.ID)
	assert.False(t, coordCmd.Complete())
}

func TestWorkerDeliversAlreadyCompleteCommandDirectly(t *testing.T) {
	engine := newTestEngine(t)
	queue := command.NewQueue()
	coordQueue := command.NewQueue()
	replies := make(chan *command.Command, 4)
	var shutdown atomic.Bool

	pool := New(1, queue, engine, coordQueue, replies, &shutdown, nil)
	pool.Start()
	defer func() {
		shutdown.Store(true)
		pool.Wait()
	}()

	cmd := command.New(1)
	cmd.Response.MethodLine = "200 OK"
	cmd.MarkComplete()
	queue.Push(cmd)

	select {
	case got := <-replies:
		assert.Equal(t, cmd.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("worker did not fast-path an already-complete command")
	}
}

func TestWorkerStopsAfterShutdownAndDrain(t *testing.T) {
	engine := newTestEngine(t)
	queue := command.NewQueue()
	coordQueue := command.NewQueue()
	replies := make(chan *command.Command, 4)
	var shutdown atomic.Bool

	pool := New(1, queue, engine, coordQueue, replies, &shutdown, nil)
	pool.Start()

	shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker pool did not stop after shutdown with an empty queue")
	}
}
