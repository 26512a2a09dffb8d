// ============================================================================
// Procmesh CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the node binary and its operator commands on Cobra
//
// Command Structure:
//   procmesh                       # Root command
//   ├── run                        # Join the cluster and run processes
//   ├── status                     # Query a running node's status API
//   ├── request <process>          # Ask the cluster to start/stop a process
//   │   └── --offline              # Stop instead of start
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file
//   2. Build the fleet transport (gRPC mesh or Redis pub/sub)
//   3. Register the configured processes with the cluster manager
//   4. Run manager, gRPC server and status API in one errgroup
//   5. On SIGINT/SIGTERM: hand over leadership, stop processes, wait for
//      workers (bounded by stop_wait_timeout), close the transport
//
// status / request Commands:
//   Talk to the status API of a running node (--addr, defaults to the
//   configured API port on localhost).
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/procmesh/internal/api"
	"github.com/ChuLiYu/procmesh/internal/cluster"
	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/internal/metrics"
	"github.com/ChuLiYu/procmesh/internal/transport"
	"github.com/ChuLiYu/procmesh/internal/worker"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procmesh",
		Short: "Procmesh: a leader-elected process manager for a fleet of nodes",
		Long: `Procmesh keeps a named set of long-running processes alive across
cooperating nodes:
- bully leader election, no external lock service
- heartbeat failure detection
- load-balanced placement of global processes
- local supervision of pinned processes`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildRequestCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start this node and join the cluster",
		Long:  "Start the cluster manager, the fleet transport and the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
	return cmd
}

func runNode(ctx context.Context, cfg *Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)
	logger.Info("Starting procmesh node",
		"node", cfg.Node.ID,
		"transport", cfg.Transport.Kind,
		"codec", messages.GetCodec(cfg.Transport.Codec).Name(),
		"config", configFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	fleet, closeFleet, err := buildTransport(gctx, g, cfg, logger)
	if err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}
	abort := func(err error) error {
		cancel()
		return errors.Join(err, closeFleet(), g.Wait())
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg)
	manager := cluster.NewManager(cfg.clusterConfig(), fleet,
		cluster.WithLogger(logger),
		cluster.WithRecorder(collector))

	if err := registerProcesses(manager, cfg.Processes, logger); err != nil {
		return abort(err)
	}

	var apiListener net.Listener
	if cfg.API.Enabled {
		apiListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.API.Port))
		if err != nil {
			return abort(fmt.Errorf("failed to listen on API port %d: %w", cfg.API.Port, err))
		}
	}

	// Cancelling gctx (signal or a failed component) stops the manager
	if err := manager.Start(gctx); err != nil {
		return abort(fmt.Errorf("failed to start manager: %w", err))
	}

	g.Go(func() error {
		<-gctx.Done()
		if !manager.WaitForStop() {
			logger.Warn("Some processes did not stop in time")
		}
		<-manager.Done()
		return closeFleet()
	})

	if apiListener != nil {
		a := api.NewAPI(manager, reg, logger)
		g.Go(func() error { return a.Serve(gctx, apiListener) })
	}

	logger.Info("Node started", "processes", len(cfg.Processes))
	err = g.Wait()
	logger.Info("Node stopped")
	return err
}

// buildTransport creates the configured fleet transport and the function
// that releases it. The gRPC server (when used) runs in g and stops once
// ctx is done.
func buildTransport(ctx context.Context, g *errgroup.Group, cfg *Config, logger *slog.Logger) (transport.Transport, func() error, error) {
	codec := messages.GetCodec(cfg.Transport.Codec)

	switch cfg.Transport.Kind {
	case TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Transport.RedisAddr})
		t, err := transport.NewRedisTransport(ctx, client, transport.RedisConfig{
			NodeID:  cfg.Node.ID,
			Channel: cfg.Transport.Channel,
			Codec:   codec,
			Logger:  logger,
		})
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Transport.RedisAddr, err)
		}
		return t, func() error { return errors.Join(t.Close(), client.Close()) }, nil

	default:
		t, err := transport.NewGrpcTransport(transport.GrpcConfig{
			NodeID: cfg.Node.ID,
			Peers:  cfg.Transport.Peers,
			Codec:  codec,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}

		lis, err := net.Listen("tcp", cfg.Transport.Listen)
		if err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.Transport.Listen, err)
		}
		grpcServer := grpc.NewServer()
		transport.RegisterFleetServer(grpcServer, t)
		logger.Info("gRPC fleet server listening", "addr", lis.Addr().String(), "peers", len(cfg.Transport.Peers))

		g.Go(func() error {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
		return t, t.Close, nil
	}
}

// registerProcesses wraps each configured process in a simulated Runner
func registerProcesses(m *cluster.Manager, procs []ProcessConfig, logger *slog.Logger) error {
	for _, p := range procs {
		w := worker.NewRunner(p.Name, worker.Simulate(p.WorkInterval, p.FailRate), logger)

		var err error
		if p.Kind == ProcessLocal {
			err = m.RegisterLocal(p.Name, w)
		} else {
			err = m.RegisterGlobal(p.Name, w, p.ProcessingCost, p.TransitionCost)
		}
		if err != nil {
			return fmt.Errorf("failed to register process: %w", err)
		}
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status as seen by a node",
		Long:  "Display nodes, leadership and process placement from a running node's API",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(addr)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), base)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "node API address (default: localhost and the configured API port)")
	return cmd
}

type leaderView struct {
	LeaderID      string                    `json:"leader_id"`
	Authoritative bool                      `json:"authoritative"`
	Processes     []types.GlobalProcessInfo `json:"processes"`
}

type localView struct {
	Processes []types.LocalProcessInfo `json:"processes"`
}

func showStatus(ctx context.Context, out io.Writer, base string) error {
	var info types.GlobalInfo
	if err := getJSON(ctx, base+"/status/global", &info); err != nil {
		return err
	}
	var local localView
	if err := getJSON(ctx, base+"/status/local", &local); err != nil {
		return err
	}
	var leader leaderView
	if err := getJSON(ctx, base+"/status/leader", &leader); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Procmesh Cluster Status                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Node:")
	fmt.Fprintf(out, "  ├─ ID:         %s\n", info.NodeID)
	fmt.Fprintf(out, "  ├─ Leader:     %s\n", orNone(info.LeaderID))
	fmt.Fprintf(out, "  ├─ Elections:  %s\n", info.ElectionsState)
	fmt.Fprintf(out, "  └─ Stopping:   %t\n", info.ShuttingDown)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🖧 Nodes:")
	for i, n := range info.Nodes {
		branch := "├─"
		if i == len(info.Nodes)-1 {
			branch = "└─"
		}
		status := "✅ online "
		if !n.IsOnline {
			status = "❌ offline"
		}
		role := ""
		if n.IsLeader {
			role = " (leader)"
		}
		fmt.Fprintf(out, "  %s %-20s %s  load %d%s\n", branch, n.NodeID, status, n.ProcessCount, role)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📍 Local processes:")
	if len(local.Processes) == 0 {
		fmt.Fprintln(out, "  └─ none")
	}
	for _, p := range local.Processes {
		fmt.Fprintf(out, "  └─ %-20s %s\n", p.Name, p.State)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🌐 Global processes:")
	if !leader.Authoritative {
		fmt.Fprintf(out, "  (copy held by a follower, ask %s for the authoritative view)\n", orNone(leader.LeaderID))
	}
	for _, p := range leader.Processes {
		fmt.Fprintf(out, "  └─ %-20s %-14s on %s\n", p.Name, p.GlobalState, orNone(p.AssignedNode))
		if len(p.PenalizedNodes) > 0 {
			fmt.Fprintf(out, "     ⚠️  penalized: %v\n", p.PenalizedNodes)
		}
		if len(p.UnsupportedNodes) > 0 {
			fmt.Fprintf(out, "     🚫 unsupported: %v\n", p.UnsupportedNodes)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ============================================================================
// request
// ============================================================================

func buildRequestCommand() *cobra.Command {
	var addr string
	var offline bool

	cmd := &cobra.Command{
		Use:   "request <process>",
		Short: "Request a global process to run or stop",
		Long:  "Broadcast a process request through a running node. The leader reschedules accordingly.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(addr)
			if err != nil {
				return err
			}
			return requestProcess(cmd.Context(), cmd.OutOrStdout(), base, args[0], !offline)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "node API address (default: localhost and the configured API port)")
	cmd.Flags().BoolVar(&offline, "offline", false, "request the process to stop instead of run")
	return cmd
}

func requestProcess(ctx context.Context, out io.Writer, base, name string, online bool) error {
	body, err := json.Marshal(api.ProcessRequest{Online: &online})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/processes/"+url.PathEscape(name)+"/request", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("request rejected: %s", readError(resp))
	}
	fmt.Fprintf(out, "Requested %s online=%t\n", name, online)
	return nil
}

// ============================================================================
// HTTP helpers
// ============================================================================

var httpClient = &http.Client{Timeout: 5 * time.Second}

func apiBase(addr string) (string, error) {
	if addr != "" {
		return "http://" + addr, nil
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return fmt.Sprintf("http://localhost:%d", cfg.API.Port), nil
}

func getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", target, readError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", target, err)
	}
	return nil
}

func readError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Sprintf("%s (%s)", body.Error, resp.Status)
	}
	return resp.Status
}
