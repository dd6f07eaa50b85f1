// Package main is the entry point for the comet-agent binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Resolve the endpoint key (local IP + MAC address) — fatal if the MAC
//     address cannot be determined
//  4. Build the Cron Engine, Scheduling Kernel, Request Router, and
//     Transport Client
//  5. Start the transport's connect/reconnect loop and heartbeat loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiascheduler/comet-agent/internal/bridge"
	"github.com/jiascheduler/comet-agent/internal/cronengine"
	"github.com/jiascheduler/comet-agent/internal/kernel"
	"github.com/jiascheduler/comet-agent/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	cometAddrs      string
	agentSecret     string
	namespace       string
	stateDir        string
	outputDir       string
	logLevel        string
	sshHost         string
	sshUser         string
	sshKeyPath      string
	assignUserName  string
	assignUserShell string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "comet-agent",
		Short: "comet-agent — dispatch-executing endpoint agent",
		Long: `comet-agent runs on each managed endpoint. It maintains a persistent
WebSocket link to one of several coordinators ("comets"), accepts job
dispatches, and runs them as one-shot executions, cron-driven timers, or
supervised daemons, reporting lifecycle transitions back upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.cometAddrs, "comet-addr", envOrDefault("AGENT_COMET_ADDR", "ws://127.0.0.1:8090"), "comma-separated list of comet WS base URLs, rotated round-robin on reconnect")
	root.PersistentFlags().StringVar(&cfg.agentSecret, "agent-secret", envOrDefault("AGENT_SECRET", ""), "shared bearer secret for comet authentication")
	root.PersistentFlags().StringVar(&cfg.namespace, "namespace", envOrDefault("AGENT_NAMESPACE", "default"), "namespace segment of the /evt/{namespace} WS endpoint")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("AGENT_STATE_DIR", defaultStateDir()), "directory for agent state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.outputDir, "output-dir", envOrDefault("AGENT_OUTPUT_DIR", defaultStateDir()+"/output"), "directory for executor artifacts")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.sshHost, "ssh-host", envOrDefault("AGENT_SSH_HOST", ""), "optional SSH connection profile host (passthrough config only)")
	root.PersistentFlags().StringVar(&cfg.sshUser, "ssh-user", envOrDefault("AGENT_SSH_USER", ""), "optional SSH connection profile user (passthrough config only)")
	root.PersistentFlags().StringVar(&cfg.sshKeyPath, "ssh-key-path", envOrDefault("AGENT_SSH_KEY_PATH", ""), "optional SSH connection profile private key path (passthrough config only)")
	root.PersistentFlags().StringVar(&cfg.assignUserName, "assign-user", envOrDefault("AGENT_ASSIGN_USER", ""), "optional run-as user assignment profile (passthrough config only)")
	root.PersistentFlags().StringVar(&cfg.assignUserShell, "assign-user-shell", envOrDefault("AGENT_ASSIGN_USER_SHELL", ""), "optional run-as user shell override (passthrough config only)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("comet-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cometAddrs := splitAndTrim(cfg.cometAddrs)
	if len(cometAddrs) == 0 {
		// Fatal per spec: an empty comet address list terminates the process.
		return errors.New("no comet addresses configured (--comet-addr / AGENT_COMET_ADDR)")
	}

	ip := localIP()
	macAddr, err := primaryMacAddr()
	if err != nil {
		// Fatal per spec: a missing MAC address terminates the process.
		return fmt.Errorf("failed to determine endpoint MAC address: %w", err)
	}

	logger.Info("starting comet agent",
		zap.String("version", version),
		zap.Strings("comets", cometAddrs),
		zap.String("namespace", cfg.namespace),
		zap.String("endpoint_key", transport.EndpointKey(ip, macAddr)),
	)

	if cfg.sshHost != "" {
		logger.Info("ssh connection profile configured (passthrough only)", zap.String("host", cfg.sshHost), zap.String("user", cfg.sshUser))
	}
	if cfg.assignUserName != "" {
		logger.Info("user-assignment profile configured (passthrough only)", zap.String("user", cfg.assignUserName))
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cron, err := cronengine.New(time.Local)
	if err != nil {
		return fmt.Errorf("failed to build cron engine: %w", err)
	}
	cron.Start()
	defer cron.Shutdown() //nolint:errcheck

	tc := transport.New(transport.Config{
		CometAddrs:   cometAddrs,
		Namespace:    cfg.namespace,
		SharedSecret: cfg.agentSecret,
		StateDir:     cfg.stateDir,
		LocalIP:      ip,
		MacAddr:      macAddr,
	}, logger)

	// The Bridge needs the Kernel's Handle method before it exists, and the
	// Kernel needs a Reporter built from the Bridge before the Bridge exists
	// — broken by wiring the Bridge's handler through a late-bound indirection.
	var k *kernel.Kernel
	handler := func(hctx context.Context, kind string, data json.RawMessage) (any, error) {
		return k.Handle(hctx, kind, data)
	}
	br := bridge.New(tc, handler, logger)
	k = kernel.New(cron, kernel.BridgeReporter{Bridge: br}, nil, logger)

	go tc.RunHeartbeat(ctx, br)
	go tc.Run(ctx, br.Deliver)

	<-ctx.Done()
	logger.Info("comet agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.comet-agent"
	}
	return ".comet-agent"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// localIP returns the endpoint's outbound IPv4 address, determined by
// opening a UDP "connection" (no packet is sent) to a routable address and
// inspecting the chosen local source address.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// primaryMacAddr returns the MAC address of the first up, non-loopback
// network interface with a non-empty hardware address. Returns an error if
// none is found — this is one of the two fatal startup conditions.
func primaryMacAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("no network interface with a MAC address found")
}
