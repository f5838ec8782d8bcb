package dbengine

import (
	"strconv"
	"time"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/wire"
)

// RegisterBuiltins installs the protocol's self-test command handlers:
// testcommand, idcollision, and anycommand, matching the scenario
// descriptions used to exercise the dispatch pipeline end to end (a
// deterministic-reply read, a conflict-prone write, and a generic
// forget-semantics probe). Production deployments typically register
// additional handlers of their own via Engine.Register.
func RegisterBuiltins(e *Engine) {
	e.Register("testcommand", testCommandHandler{})
	e.Register("idcollision", idCollisionHandler{})
	e.Register("anycommand", anyCommandHandler{})
}

// testCommandHandler always satisfies on Peek: it optionally sleeps for
// the duration given by the peekSleep header (milliseconds), then replies
// with the method line named by the response header, defaulting to "200
// OK" if absent. It never writes, so it never escalates.
type testCommandHandler struct{}

func (testCommandHandler) Peek(_ ReadTx, cmd *command.Command) (bool, error) {
	if ms, ok := cmd.Request.Header("peekSleep"); ok {
		if d, err := strconv.Atoi(ms); err == nil && d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
	}
	methodLine := "200 OK"
	if resp, ok := cmd.Request.Header("response"); ok {
		methodLine = resp
	}
	cmd.Response = wire.Status(methodLine)
	return true, nil
}

func (testCommandHandler) Process(_ WriteTx, _ *command.Command) (bool, error) {
	return false, nil
}

// idCollisionHandler never satisfies on Peek, forcing every call through
// Process. Process reads and rewrites a single shared counter key, so two
// concurrent commands racing to commit collide under the store's
// optimistic concurrency and exactly one wins per round — the commit
// conflict retry scenario.
type idCollisionHandler struct{}

var idCollisionKey = []byte("skald/builtin/idcollision/counter")

func (idCollisionHandler) Peek(_ ReadTx, _ *command.Command) (bool, error) {
	return false, nil
}

func (idCollisionHandler) Process(tx WriteTx, cmd *command.Command) (bool, error) {
	raw, _, err := tx.Get(idCollisionKey)
	if err != nil {
		return false, err
	}
	next := int64(1)
	if len(raw) > 0 {
		if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			next = v + 1
		}
	}
	if err := tx.Set(idCollisionKey, []byte(strconv.FormatInt(next, 10))); err != nil {
		return false, err
	}
	methodLine := "200 OK"
	if resp, ok := cmd.Request.Header("response"); ok {
		methodLine = resp
	}
	cmd.Response = wire.Status(methodLine)
	return true, nil
}

// anyCommandHandler is the fallback for a command whose name truly does
// not matter to the caller (it only needs *a* method name, e.g. to
// exercise forget semantics). It always succeeds without writing.
type anyCommandHandler struct{}

func (anyCommandHandler) Peek(_ ReadTx, cmd *command.Command) (bool, error) {
	cmd.Response = wire.Status("200 OK")
	return true, nil
}

func (anyCommandHandler) Process(_ WriteTx, _ *command.Command) (bool, error) {
	return false, nil
}
