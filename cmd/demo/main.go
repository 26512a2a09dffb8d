package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/procmesh/internal/cluster"
	"github.com/ChuLiYu/procmesh/internal/transport"
	"github.com/ChuLiYu/procmesh/internal/worker"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// Runs a small cluster inside one process on the in-memory hub, then stops
// the leader to show re-election and re-placement.
func main() {
	nodes := flag.Int("nodes", 3, "number of nodes")
	procs := flag.Int("processes", 5, "number of global processes")
	failRate := flag.Float64("fail-rate", 0.02, "per-round failure probability of each process")
	verbose := flag.Bool("v", false, "print manager logs")
	flag.Parse()

	var out io.Writer = io.Discard
	if *verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, nil))

	// Short timings so the demo settles in seconds
	config := cluster.Config{
		ElectionTimeout:   time.Second,
		HeartbeatInterval: 600 * time.Millisecond,
		TickInterval:      400 * time.Millisecond,
		NodeTimeout:       3 * time.Second,
		TransitionTimeout: 3 * time.Second,
		LocalRestartDelay: 2 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := transport.NewHub()
	managers := make([]*cluster.Manager, 0, *nodes)
	for i := 1; i <= *nodes; i++ {
		cfg := config
		cfg.NodeID = fmt.Sprintf("node-%d", i)
		m := cluster.NewManager(cfg, hub.Join(cfg.NodeID), cluster.WithLogger(logger))

		for p := 1; p <= *procs; p++ {
			name := fmt.Sprintf("projection-%d", p)
			w := worker.NewRunner(name, worker.Simulate(200*time.Millisecond, *failRate), logger)
			if err := m.RegisterGlobal(name, w, 1, 1); err != nil {
				log.Fatalf("Failed to register %s: %v", name, err)
			}
		}
		if err := m.RegisterLocal("heartbeat-listener", worker.NewRunner("heartbeat-listener", worker.Simulate(time.Second, 0), logger)); err != nil {
			log.Fatalf("Failed to register local process: %v", err)
		}

		if err := m.Start(ctx); err != nil {
			log.Fatalf("Failed to start %s: %v", cfg.NodeID, err)
		}
		managers = append(managers, m)
	}
	fmt.Printf("✓ Started %d nodes with %d global processes each\n", *nodes, *procs)

	if !sleep(ctx, 3*time.Second) {
		return
	}
	leader := printStatus("after election", managers)

	if leader != nil && len(managers) > 1 {
		fmt.Printf("\n⚡ Stopping leader %s...\n", leader.NodeID())
		_ = leader.Stop()
		leader.WaitForStop()

		if !sleep(ctx, 3*time.Second) {
			return
		}
		printStatus("after failover", managers)
	}

	fmt.Printf("\n💡 Press Ctrl+C to stop the cluster\n")
	<-ctx.Done()

	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	for _, m := range managers {
		m.WaitForStop()
		<-m.Done()
	}
	fmt.Println("✓ Cluster stopped")
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// printStatus prints the leader's placement and returns the leader
func printStatus(title string, managers []*cluster.Manager) *cluster.Manager {
	var leader *cluster.Manager
	for _, m := range managers {
		if m.GetGlobalInfo().IsLeader {
			leader = m
		}
	}

	fmt.Printf("\n📊 Status (%s):\n", title)
	if leader == nil {
		fmt.Println("  No leader yet")
		return nil
	}

	info := leader.GetGlobalInfo()
	fmt.Printf("  Leader: %s\n", info.NodeID)
	for _, n := range info.Nodes {
		state := "online"
		if !n.IsOnline {
			state = "offline"
		}
		fmt.Printf("  %-8s %-8s load=%d\n", n.NodeID, state, n.ProcessCount)
	}
	for _, p := range leader.GetLeaderProcesses() {
		marker := "✓"
		if p.GlobalState != types.GlobalOnline {
			marker = "…"
		}
		fmt.Printf("  %s %-14s %-14s %s\n", marker, p.Name, p.GlobalState, p.AssignedNode)
	}
	return leader
}
