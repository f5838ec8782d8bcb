// Package main is skald's CLI entry point: a cobra root command with
// `serve` and `version` subcommands, wiring configuration into a running
// node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/skald-db/skald/pkg/auditlog"
	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/config"
	"github.com/skald-db/skald/pkg/coordinator"
	"github.com/skald-db/skald/pkg/dbengine"
	"github.com/skald-db/skald/pkg/lifecycle"
	"github.com/skald-db/skald/pkg/plugin"
	"github.com/skald-db/skald/pkg/replication"
	"github.com/skald-db/skald/pkg/socket"
	"github.com/skald-db/skald/pkg/worker"
)

var buildVersion = "dev"

// defaultHeartbeatTimeout bounds how long an HA standby node waits for a
// peer heartbeat before self-promoting to mastering.
const defaultHeartbeatTimeout = 5 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "skald",
		Short: "skald - clustered command-dispatch node",
		Long: `skald is a clustered command-dispatch node: clients submit
text-framed commands over TCP, a worker pool executes them against an
embedded transactional store, and a two-node HA standby pair (or a
standalone node) picks the node that takes writes via a heartbeat-driven
leader/follower role machine; stored data is not copied between nodes.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skald v%s\n", buildVersion)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a skald node",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "YAML config file path (overlays env, overlaid by flags below)")
	serveCmd.Flags().String("db", "", "database directory")
	serveCmd.Flags().String("server-host", "", "command port address (host:port)")
	serveCmd.Flags().String("node-host", "", "this node's cluster-transport address")
	serveCmd.Flags().StringSlice("peer-list", nil, "cluster peer addresses")
	serveCmd.Flags().Int("priority", 0, "node priority; a positive value starts this node of an HA pair as master, otherwise as standby")
	serveCmd.Flags().Int("worker-threads", 0, "worker pool size")
	serveCmd.Flags().StringSlice("plugins", nil, "enabled plugin names (default: all registered)")
	serveCmd.Flags().String("status-host", "", "HTTP status plugin address")
	serveCmd.Flags().String("query-log", "", "query log file path")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		cfg, err = config.LoadFile(cfg, path)
		if err != nil {
			return err
		}
	}
	overlayFlags(cmd, &cfg)

	if cfg.Version == "" || cfg.Version == "dev" {
		cfg.Version = buildVersion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("node", cfg.NodeName)

	store, err := dbengine.NewBadgerStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	engine := dbengine.New(store)
	dbengine.RegisterBuiltins(engine)

	plugins := plugin.NewRegistry()
	if err := plugins.Register(plugin.NewHTTPStatusPlugin(cfg.StatusHost, func() map[string]any {
		return map[string]any{
			"status":  "ok",
			"node":    cfg.NodeName,
			"version": cfg.Version,
		}
	})); err != nil {
		return err
	}
	if len(cfg.Plugins) > 0 {
		if err := plugins.EnableOnly(cfg.Plugins); err != nil {
			return err
		}
	}
	plugins.Freeze()

	var gracefulShutdown atomic.Bool
	inbound := command.NewQueue()
	syncQueue := command.NewQueue()
	replies := make(chan *command.Command, 256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := buildReplicationNode(cfg, syncQueue)

	pool := worker.New(cfg.WorkerThreads, inbound, engine, syncQueue, replies, &gracefulShutdown, log)

	registry := socket.NewRegistry()
	coord := coordinator.New(inbound, syncQueue, replies, registry, plugins, node, engine.NewWriter(), &gracefulShutdown, cfg.Version, log)

	var auditLogger *auditlog.Logger
	if cfg.QueryLog != "" {
		auditLogger, err = auditlog.New(cfg.QueryLog)
		if err != nil {
			return fmt.Errorf("opening query log: %w", err)
		}
		defer auditLogger.Close()
	}

	mainPort := plugin.AuxPort{
		Name:    "command",
		Address: cfg.ServerHost,
		Serve: func(ctx context.Context, address string) error {
			ln, err := net.Listen("tcp", address)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				ln.Close()
			}()
			return coord.Serve(ctx, ln)
		},
	}

	lc := lifecycle.New(node, inbound, &gracefulShutdown, cfg.Version, mainPort, plugins.AuxiliaryPorts, auditLogger, log)

	pool.Start()
	go coord.RunReplies(ctx)
	go coord.Run(ctx)
	go lc.Run(ctx)

	log.Info("skald node started", "server_host", cfg.ServerHost, "version", cfg.Version)
	<-ctx.Done()
	pool.Wait()
	return nil
}

// buildReplicationNode picks Standalone or HA standby replication based on
// whether any peers are configured.
func buildReplicationNode(cfg config.Config, syncQueue *command.Queue) replication.Node {
	if len(cfg.PeerList) == 0 {
		return replication.NewStandaloneNode(cfg.Version)
	}
	peer := replication.NewTCPPeerLink(cfg.PeerList[0])
	sink := acceptSink{syncQueue}
	initialRole := replication.RoleSlaving
	if cfg.Priority > 0 {
		initialRole = replication.RoleMastering
	}
	return replication.NewHAStandbyNode(cfg.NodeName, cfg.Version, initialRole, peer, sink, defaultHeartbeatTimeout)
}

type acceptSink struct{ q *command.Queue }

func (s acceptSink) AcceptCommand(cmd *command.Command) { s.q.Push(cmd) }

func overlayFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DB = v
	}
	if v, _ := cmd.Flags().GetString("server-host"); v != "" {
		cfg.ServerHost = v
	}
	if v, _ := cmd.Flags().GetString("node-host"); v != "" {
		cfg.NodeHost = v
	}
	if v, _ := cmd.Flags().GetStringSlice("peer-list"); len(v) > 0 {
		cfg.PeerList = v
	}
	if v, _ := cmd.Flags().GetInt("priority"); v != 0 {
		cfg.Priority = v
	}
	if v, _ := cmd.Flags().GetInt("worker-threads"); v != 0 {
		cfg.WorkerThreads = v
	}
	if v, _ := cmd.Flags().GetStringSlice("plugins"); len(v) > 0 {
		cfg.Plugins = v
	}
	if v, _ := cmd.Flags().GetString("status-host"); v != "" {
		cfg.StatusHost = v
	}
	if v, _ := cmd.Flags().GetString("query-log"); v != "" {
		cfg.QueryLog = v
	}
}
