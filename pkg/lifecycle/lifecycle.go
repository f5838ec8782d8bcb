// Package lifecycle implements skald's Lifecycle Controller: the component
// that opens and closes the node's listening ports in response to role
// changes, version skew against the current leader, operator signals, and
// graceful shutdown. It runs a select loop over a signal.Notify channel and
// a periodic ticker.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/skald-db/skald/pkg/auditlog"
	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/plugin"
	"github.com/skald-db/skald/pkg/replication"
)

// tickInterval is how often the Controller reevaluates port-open/suppress
// state between signals.
const tickInterval = 250 * time.Millisecond

// Controller owns the node's main command port and every enabled plugin's
// auxiliary port, opening them when the role is ready to serve and closing
// them on suppression or shutdown.
type Controller struct {
	node             replication.Node
	inbound          *command.Queue
	gracefulShutdown *atomic.Bool
	version          string
	auditLog         *auditlog.Logger
	mainPort         plugin.AuxPort
	pluginPorts      func() []plugin.AuxPort
	log              *slog.Logger

	cachedRole atomic.Int32

	manualSuppressSet atomic.Bool
	manualSuppressOn  atomic.Bool

	mu     sync.Mutex
	open   bool
	cancel map[string]context.CancelFunc
}

// New constructs a Controller. mainPort is the primary command port's
// listen spec; pluginPorts is called each time the ports are opened to
// collect the enabled plugins' auxiliary ports (the Plugin Registry freezes
// membership at node start, but each call reflects the plugins' enabled
// state at that moment). auditLog may be nil if query logging isn't
// configured.
func New(
	node replication.Node,
	inbound *command.Queue,
	gracefulShutdown *atomic.Bool,
	version string,
	mainPort plugin.AuxPort,
	pluginPorts func() []plugin.AuxPort,
	auditLog *auditlog.Logger,
	log *slog.Logger,
) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		node:             node,
		inbound:          inbound,
		gracefulShutdown: gracefulShutdown,
		version:          version,
		auditLog:         auditLog,
		mainPort:         mainPort,
		pluginPorts:      pluginPorts,
		log:              log,
		cancel:           make(map[string]context.CancelFunc),
	}
}

// Run drives both the signal-handling loop and the periodic port-state
// tick until ctx is cancelled. It installs its own signal.Notify channel
// for the full signal set this controller recognizes.
func (c *Controller) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGUSR2, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closePorts()
			return
		case sig := <-sigCh:
			c.HandleSignal(sig)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// HandleSignal applies one operator signal's effect. It is exported so
// tests (and any alternate signal-delivery mechanism) can drive it directly
// without going through os/signal.
func (c *Controller) HandleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTTIN:
		c.manualSuppressSet.Store(true)
		c.manualSuppressOn.Store(true)
		c.log.Info("manual port suppression enabled (SIGTTIN)")
	case syscall.SIGTTOU:
		c.manualSuppressSet.Store(true)
		c.manualSuppressOn.Store(false)
		c.log.Info("manual port suppression cleared (SIGTTOU)")
	case syscall.SIGUSR2:
		if c.auditLog != nil {
			c.auditLog.SetEnabled(true)
			c.log.Info("query logging enabled (SIGUSR2)")
		}
	case syscall.SIGQUIT:
		if c.auditLog != nil {
			c.auditLog.SetEnabled(false)
			c.log.Info("query logging disabled (SIGQUIT)")
		}
	default:
		c.log.Info("graceful shutdown requested", "signal", sig)
		c.gracefulShutdown.Store(true)
		c.closePorts()
	}
}

// tick reevaluates whether the listening ports should be open, and forces
// the cached role to Searching if the replication node has finished
// shutting down but left a stale role above Waiting, unblocking a caller
// polling ShutdownComplete.
func (c *Controller) tick(ctx context.Context) {
	role := c.node.Role()
	if c.node.ShutdownComplete() && role > replication.RoleWaiting {
		c.log.Warn("shutdown complete but cached role above waiting, forcing to searching", "role", role)
		role = replication.RoleSearching
	}
	c.cachedRole.Store(int32(role))

	versionSkew := role == replication.RoleSlaving && c.node.LeaderVersion() != "" && c.node.LeaderVersion() != c.version

	suppressed := versionSkew
	if c.manualSuppressSet.Load() {
		suppressed = c.manualSuppressOn.Load()
	}

	shouldOpen := !suppressed && !c.gracefulShutdown.Load() && role.Ready()

	if shouldOpen {
		c.openPorts(ctx)
	} else {
		c.closePorts()
	}
}

// ShutdownComplete reports whether the node has finished winding down: the
// shutdown flag is set, the cached replication role has descended to
// Waiting or below, and the Command Queue has drained.
func (c *Controller) ShutdownComplete() bool {
	return c.gracefulShutdown.Load() &&
		replication.Role(c.cachedRole.Load()) <= replication.RoleWaiting &&
		c.inbound.Empty()
}

func (c *Controller) openPorts(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return
	}
	c.open = true

	c.startPort(ctx, c.mainPort)
	if c.pluginPorts != nil {
		for _, p := range c.pluginPorts() {
			c.startPort(ctx, p)
		}
	}
}

// startPort must be called with c.mu held.
func (c *Controller) startPort(ctx context.Context, p plugin.AuxPort) {
	if _, running := c.cancel[p.Name]; running {
		return
	}
	portCtx, cancel := context.WithCancel(ctx)
	c.cancel[p.Name] = cancel
	go func() {
		if err := p.Serve(portCtx, p.Address); err != nil && portCtx.Err() == nil {
			c.log.Warn("port serve exited", "port", p.Name, "err", err)
		}
	}()
}

func (c *Controller) closePorts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	c.open = false
	for name, cancel := range c.cancel {
		cancel()
		delete(c.cancel, name)
	}
}
