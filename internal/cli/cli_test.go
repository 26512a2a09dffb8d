package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/procmesh/internal/api"
	"github.com/ChuLiYu/procmesh/internal/cluster"
	"github.com/ChuLiYu/procmesh/internal/transport"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test config file")
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "procmesh", cmd.Use, "Root command should be 'procmesh'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["request"], "Should have 'request' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRequestCommand(t *testing.T) {
	cmd := buildRequestCommand()

	assert.Equal(t, "request", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("offline"), "Should have --offline flag")
	assert.NotNil(t, cmd.Flags().Lookup("addr"), "Should have --addr flag")
	assert.Error(t, cmd.Args(cmd, nil), "process name is required")
	assert.NoError(t, cmd.Args(cmd, []string{"orders"}))
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  log_level: debug

cluster:
  election_timeout: 2s
  node_timeout: 10s
  rebalance_threshold: 3
  self_overhead: -1

transport:
  kind: redis
  codec: msgpack
  redis_addr: "redis:6379"
  channel: "procmesh:test"

api:
  enabled: true
  port: 9000

processes:
  - name: orders
    kind: global
    processing_cost: 3
    work_interval: 500ms
    fail_rate: 0.05
  - name: listener
    kind: local
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, slog.LevelDebug, cfg.logLevel())
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "msgpack", cfg.Transport.Codec)
	assert.Equal(t, "redis:6379", cfg.Transport.RedisAddr)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9000, cfg.API.Port)

	require.Len(t, cfg.Processes, 2)
	orders := cfg.Processes[0]
	assert.Equal(t, 3, orders.ProcessingCost)
	assert.Equal(t, 1, orders.TransitionCost, "defaulted")
	assert.Equal(t, 500*time.Millisecond, orders.WorkInterval)
	assert.InDelta(t, 0.05, orders.FailRate, 1e-9)
	assert.Equal(t, ProcessLocal, cfg.Processes[1].Kind)
	assert.Equal(t, time.Second, cfg.Processes[1].WorkInterval, "defaulted")

	cc := cfg.clusterConfig()
	assert.Equal(t, "node-a", cc.NodeID)
	assert.Equal(t, 2*time.Second, cc.ElectionTimeout)
	assert.Equal(t, 10*time.Second, cc.NodeTimeout)
	assert.Equal(t, 3, cc.RebalanceThreshold)
	assert.Equal(t, -1, cc.SelfOverhead)
	assert.Zero(t, cc.HeartbeatInterval, "left to the manager defaults")
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "node:\n  id: node-a\n")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, TransportGRPC, cfg.Transport.Kind)
	assert.Equal(t, ":7946", cfg.Transport.Listen)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.logLevel())
	assert.Empty(t, cfg.Processes)
}

func TestLoadConfig_EmptyFileUsesHostname(t *testing.T) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		t.Skip("hostname unavailable")
	}
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err, "Empty YAML file should parse without error")
	assert.Equal(t, host, cfg.Node.ID)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
cluster:
  election_timeout: "not a duration"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "unknown transport",
			content: "node: {id: a}\ntransport: {kind: carrier-pigeon}\n",
			errMsg:  "unknown transport kind",
		},
		{
			name:    "duplicate process",
			content: "node: {id: a}\nprocesses:\n  - name: orders\n  - name: orders\n",
			errMsg:  "duplicate process",
		},
		{
			name:    "unknown process kind",
			content: "node: {id: a}\nprocesses:\n  - name: orders\n    kind: pinned\n",
			errMsg:  "unknown kind",
		},
		{
			name:    "fail rate out of range",
			content: "node: {id: a}\nprocesses:\n  - name: orders\n    fail_rate: 1.5\n",
			errMsg:  "fail_rate",
		},
		{
			name:    "unnamed process",
			content: "node: {id: a}\nprocesses:\n  - kind: local\n",
			errMsg:  "without a name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), "invalid config")
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRegisterProcesses(t *testing.T) {
	hub := transport.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := cluster.NewManager(cluster.Config{NodeID: "a"}, hub.Join("a"), cluster.WithLogger(logger))

	err := registerProcesses(m, []ProcessConfig{
		{Name: "orders", Kind: ProcessGlobal, ProcessingCost: 2, TransitionCost: 1, WorkInterval: time.Second},
		{Name: "listener", Kind: ProcessLocal, WorkInterval: time.Second},
	}, logger)
	require.NoError(t, err)

	global := m.GetLeaderProcesses()
	require.Len(t, global, 1)
	assert.Equal(t, "orders", global[0].Name)
	assert.Equal(t, 2, global[0].ProcessingCost)

	local := m.GetLocalProcesses()
	require.Len(t, local, 1)
	assert.Equal(t, types.StateInactive, local[0].State)

	err = registerProcesses(m, []ProcessConfig{{Name: "orders", Kind: ProcessLocal}}, logger)
	assert.ErrorIs(t, err, cluster.ErrAlreadyRegistered)
}

// ============================================================================
// status / request against a live API
// ============================================================================

type stubNode struct {
	requested map[string]bool
}

func (n *stubNode) NodeID() string { return "node-a" }

func (n *stubNode) GetLocalProcesses() []types.LocalProcessInfo {
	return []types.LocalProcessInfo{{Name: "listener", State: types.StateRunning}}
}

func (n *stubNode) GetGlobalInfo() types.GlobalInfo {
	return types.GlobalInfo{
		NodeID:         "node-a",
		LeaderID:       "node-b",
		ElectionsState: types.ElectionsNone,
		Nodes: []types.NodeStatus{
			{NodeID: "node-a", IsOnline: true, ProcessCount: 1},
			{NodeID: "node-b", IsOnline: true, IsLeader: true, ProcessCount: 1},
		},
	}
}

func (n *stubNode) GetLeaderProcesses() []types.GlobalProcessInfo {
	return []types.GlobalProcessInfo{{
		Name:             "orders",
		GlobalState:      types.GlobalOnline,
		AssignedNode:     "node-a",
		UnsupportedNodes: []string{"node-c"},
	}}
}

func (n *stubNode) RequestProcess(_ context.Context, name string, online bool) error {
	if name == "ghost" {
		return cluster.ErrUnknownProcess
	}
	n.requested[name] = online
	return nil
}

func newStubServer(t *testing.T) (*httptest.Server, *stubNode) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	node := &stubNode{requested: map[string]bool{}}
	a := api.NewAPI(node, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv, node
}

func TestShowStatus(t *testing.T) {
	srv, _ := newStubServer(t)

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), &out, srv.URL))

	text := out.String()
	assert.Contains(t, text, "Procmesh Cluster Status")
	assert.Contains(t, text, "node-b")
	assert.Contains(t, text, "(leader)")
	assert.Contains(t, text, "listener")
	assert.Contains(t, text, "unsupported: [node-c]")
	assert.Contains(t, text, "authoritative view", "a follower's copy is flagged")
}

func TestShowStatus_Unreachable(t *testing.T) {
	srv, _ := newStubServer(t)
	url := srv.URL
	srv.Close()

	err := showStatus(context.Background(), io.Discard, url)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach node")
}

func TestRequestProcess(t *testing.T) {
	srv, node := newStubServer(t)

	var out bytes.Buffer
	require.NoError(t, requestProcess(context.Background(), &out, srv.URL, "orders", false))
	assert.Equal(t, map[string]bool{"orders": false}, node.requested)
	assert.Contains(t, out.String(), "online=false")

	err := requestProcess(context.Background(), io.Discard, srv.URL, "ghost", true)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), http.StatusText(http.StatusNotFound))
}

func TestRequestProcess_EscapesName(t *testing.T) {
	srv, node := newStubServer(t)

	for _, name := range []string{"billing/eu", "orders?dry=1", "ledger#2"} {
		require.NoError(t, requestProcess(context.Background(), io.Discard, srv.URL, name, true), name)
	}
	assert.Equal(t, map[string]bool{"billing/eu": true, "orders?dry=1": true, "ledger#2": true}, node.requested)
}

func TestAPIBase(t *testing.T) {
	base, err := apiBase("10.0.0.5:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080", base)

	old := configFile
	t.Cleanup(func() { configFile = old })
	configFile = writeConfig(t, "node: {id: a}\napi: {port: 9100}\n")

	base, err = apiBase("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9100", base)
}
