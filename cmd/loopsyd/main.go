// Command loopsyd runs the Loopsy daemon: a per-machine process that
// discovers sibling daemons on the LAN, executes commands, transfers
// files, shares a small K/V context store, and supervises AI coding
// agent subprocesses on their behalf (§1-§9). Flag/cobra/graceful-
// shutdown shape is adapted from the teacher's cmd/dplaned/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopsy-mesh/loopsyd/internal/aitask"
	"github.com/loopsy-mesh/loopsyd/internal/audit"
	"github.com/loopsy-mesh/loopsyd/internal/config"
	"github.com/loopsy-mesh/loopsyd/internal/contextstore"
	"github.com/loopsy-mesh/loopsyd/internal/dashboard"
	"github.com/loopsy-mesh/loopsyd/internal/discovery"
	"github.com/loopsy-mesh/loopsyd/internal/health"
	"github.com/loopsy-mesh/loopsyd/internal/httpapi"
	"github.com/loopsy-mesh/loopsyd/internal/identity"
	"github.com/loopsy-mesh/loopsyd/internal/jobs"
	"github.com/loopsy-mesh/loopsyd/internal/pairing"
	"github.com/loopsy-mesh/loopsyd/internal/peers"
	"github.com/loopsy-mesh/loopsyd/internal/tlsmat"
	"github.com/loopsy-mesh/loopsyd/internal/transfer"
	"github.com/loopsy-mesh/loopsyd/internal/wsmonitor"
)

// buildVersion is stamped at build time in the teacher's release
// pipeline; unset here means a dev build.
var buildVersion = "dev"

func main() {
	var (
		listenAddr string
		dataDir    string
		configPath string
		nodeName   string
	)

	root := &cobra.Command{
		Use:   "loopsyd",
		Short: "Loopsy mesh daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, dataDir, nodeName)
		},
	}
	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".loopsy", "sessions", "default")

	root.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:19532", "listen address")
	root.Flags().StringVar(&dataDir, "data-dir", defaultDataDir, "per-session data directory (expected at <shared>/sessions/<name>)")
	root.Flags().StringVar(&configPath, "config", "", "unused; config.yaml always lives under data-dir (kept for CLI compatibility)")
	root.Flags().StringVar(&nodeName, "node-name", "", "override the advertised hostname")
	_ = configPath

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildVersion)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(listenAddr, dataDir, nodeName string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		if _, portStr, splitErr := net.SplitHostPort(listenAddr); splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				cfg.Server.Port = port
			}
		}
	}

	id := identity.New(cfg.Server.Port, nodeName)
	log.Printf("[loopsyd] node %s (%s) starting, port %d", id.NodeID, id.Hostname, id.Port)

	registry := peers.New(dataDir)
	registry.Load()

	ctxStore := contextstore.New(dataDir)
	ctxStore.Load()
	ctxStore.Start()

	auditLog, err := audit.New(dataDir)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	jobMgr := jobs.New(
		cfg.Execution.MaxConcurrent,
		time.Duration(cfg.Execution.DefaultTimeout)*time.Millisecond,
		cfg.Execution.Denylist,
		cfg.Execution.Allowlist,
	)

	apiKeyFn := func() string { return cfg.Auth.APIKey }
	aiMgr := aitask.New(dataDir, cfg.Server.Port, apiKeyFn)

	pairMgr := pairing.New(id.Hostname, apiKeyFn)

	if cfg.TLS.Enabled {
		if _, err := tlsmat.EnsureMaterial(dataDir, id.Hostname); err != nil {
			log.Printf("[loopsyd] TLS material generation failed (continuing without it): %v", err)
		}
	}

	pathCheck := transfer.NewPathChecker(cfg.Transfer.AllowedPaths, cfg.Transfer.DeniedPaths)

	hub := wsmonitor.NewHub()

	checker := health.New(registry, func(nodeID string) {
		hub.Broadcast(wsmonitor.Message{Type: "peer_offline", Data: map[string]string{"nodeId": nodeID}})
	})
	checker.Start()

	var browser *discovery.Browser
	if cfg.Discovery.Enabled {
		browser = discovery.New(id, registry)
		browser.Start()
	}
	for _, mp := range cfg.Discovery.ManualPeers {
		registry.Upsert(peers.Peer{
			NodeID:        peers.ManualNodeID(mp.Address, mp.Port),
			Hostname:      mp.Hostname,
			Address:       mp.Address,
			Port:          mp.Port,
			Status:        peers.StatusUnknown,
			ManuallyAdded: true,
		})
	}

	// Sibling discovery treats dataDir's grandparent as the shared root
	// all sessions on this machine publish under (<shared>/sessions/<name>).
	sharedDir := filepath.Dir(filepath.Dir(dataDir))
	agg := dashboard.New(sharedDir, registry, cfg.AllAPIKeys)

	if err := writeSessionFiles(dataDir, cfg.Server.Port); err != nil {
		log.Printf("[loopsyd] failed to write session files (sibling discovery degraded): %v", err)
	}

	server := httpapi.NewServer(httpapi.Deps{
		Config: cfg, Identity: id, Registry: registry, ContextStore: ctxStore,
		Jobs: jobMgr, AITasks: aiMgr, Pairing: pairMgr, Audit: auditLog,
		PathCheck: pathCheck, Dashboard: agg, WSHub: hub,
	})

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/streaming endpoints hold the connection open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[loopsyd] listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[loopsyd] server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("[loopsyd] shutting down")
	shutdown(httpSrv, checker, browser, jobMgr, aiMgr, ctxStore, registry, auditLog)
	log.Println("[loopsyd] stopped")
	return nil
}

// shutdown drains every background subsystem in the order §5 mandates:
// health checker, then mDNS, then job manager (kill all), then AI task
// manager (kill all), then context expiry, then context save, then
// registry save, then the HTTP listener.
func shutdown(httpSrv *http.Server, checker *health.Checker, browser *discovery.Browser, jobMgr *jobs.Manager, aiMgr *aitask.Manager, ctxStore *contextstore.Store, registry *peers.Registry, auditLog *audit.Logger) {
	checker.Stop()
	if browser != nil {
		browser.Stop()
	}
	jobMgr.CancelAll()
	aiMgr.CancelAll()
	ctxStore.Stop()
	if err := ctxStore.Save(); err != nil {
		log.Printf("[loopsyd] context snapshot save failed: %v", err)
	}
	if err := registry.Save(); err != nil {
		log.Printf("[loopsyd] peer snapshot save failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[loopsyd] http shutdown error: %v", err)
	}
	if err := auditLog.Close(); err != nil {
		log.Printf("[loopsyd] audit log close error: %v", err)
	}
}

// writeSessionFiles drops daemon.pid and config.yaml markers the
// dashboard aggregator's sibling scan reads (§4.9). config.yaml is
// already written by config.Load; this only adds the PID marker.
func writeSessionFiles(dataDir string, port int) error {
	return os.WriteFile(filepath.Join(dataDir, "daemon.pid"), []byte(strconv.Itoa(os.Getpid())), 0o600)
}
