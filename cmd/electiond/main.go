package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-election/pkg/cluster"
	"github.com/dd0wney/cluso-election/pkg/health"
	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
	"github.com/dd0wney/cluso-election/pkg/transport"
)

func main() {
	var (
		configFile = flag.String("config", "", "Cluster configuration file (YAML)")
		nodeID     = flag.Uint("id", 0, "Node ID, overrides the config file")
		members    = flag.String("members", "", "Member list as id=host:port,..., overrides the config file")
		heartbeat  = flag.Duration("heartbeat", 0, "Heartbeat interval, overrides the config file")
		dialTO     = flag.Duration("dial-timeout", 0, "Peer dial timeout, overrides the config file (default a third of a shorter heartbeat)")
		transportF = flag.String("transport", "tcp", "Peer transport: tcp or nng")
		httpAddr   = flag.String("http", ":9100", "Address for /metrics and /health, empty to disable")
		logLevel   = flag.String("log-level", os.Getenv("LOG_LEVEL"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(*logLevel)).With(logging.Component("electiond"))

	cfg, err := buildConfig(*configFile, *nodeID, *members, *heartbeat, *dialTO)
	if err != nil {
		logger.Error("invalid configuration", logging.Error(err))
		os.Exit(2)
	}

	peers, err := newTransport(*transportF, cfg)
	if err != nil {
		logger.Error("invalid transport", logging.Error(err))
		os.Exit(2)
	}

	registry := metrics.DefaultRegistry()
	node, err := cluster.NewNode(cfg, peers, cluster.WithLogger(logger), cluster.WithMetrics(registry))
	if err != nil {
		logger.Error("failed to create node", logging.Error(err))
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		logger.Error("failed to start node", logging.Error(err))
		os.Exit(1)
	}

	var server *http.Server
	if *httpAddr != "" {
		hc := health.NewHealthChecker()
		node.RegisterHealthChecks(hc)
		server = startHTTPServer(*httpAddr, registry, hc, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", logging.String("signal", sig.String()))

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown failed", logging.Error(err))
		}
		cancel()
	}
	if err := node.Stop(); err != nil {
		logger.Warn("node stop failed", logging.Error(err))
	}
	if closer, ok := peers.(interface{ Close() error }); ok {
		closer.Close()
	}
}

// buildConfig loads the config file if given and applies flag overrides. A
// heartbeat override at or below the dial timeout shrinks the dial timeout to
// a third of the interval unless one is given explicitly.
func buildConfig(path string, id uint, members string, heartbeat, dialTimeout time.Duration) (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	if path != "" {
		loaded, err := cluster.LoadConfig(path)
		if err != nil {
			return cluster.Config{}, err
		}
		cfg = loaded
	}

	if id != 0 {
		if id > 255 {
			return cluster.Config{}, cluster.ErrInvalidNodeID
		}
		cfg.NodeID = cluster.NodeID(id)
	}
	if members != "" {
		parsed, err := parseMembers(members)
		if err != nil {
			return cluster.Config{}, err
		}
		cfg.Members = parsed
	}
	if heartbeat > 0 {
		cfg.HeartbeatInterval = heartbeat
		if dialTimeout == 0 && cfg.DialTimeout >= heartbeat {
			cfg.DialTimeout = heartbeat / 3
		}
	}
	if dialTimeout > 0 {
		cfg.DialTimeout = dialTimeout
	}

	if err := cfg.Validate(); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

// parseMembers parses "1=10.0.0.1:7001,2=10.0.0.2:7001"
func parseMembers(s string) (map[cluster.NodeID]string, error) {
	out := make(map[cluster.NodeID]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idStr, addr, ok := strings.Cut(entry, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("%w: member %q is not id=host:port", cluster.ErrInvalidConfig, entry)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 8)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: member id %q", cluster.ErrInvalidNodeID, idStr)
		}
		if _, dup := out[cluster.NodeID(id)]; dup {
			return nil, fmt.Errorf("%w: member %d listed twice", cluster.ErrInvalidConfig, id)
		}
		out[cluster.NodeID(id)] = strings.TrimSpace(addr)
	}
	if len(out) == 0 {
		return nil, cluster.ErrNoMembers
	}
	return out, nil
}

func newTransport(name string, cfg cluster.Config) (transport.Transport, error) {
	switch name {
	case "tcp":
		return transport.NewTCPTransport(cfg.DialTimeout), nil
	case "nng":
		return transport.NewNNGTransport(cfg.IOTimeout), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func startHTTPServer(addr string, registry *metrics.Registry, hc *health.HealthChecker, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/health", hc.HTTPHandler())
	mux.HandleFunc("/ready", hc.ReadinessHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", logging.Addr(addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", logging.Error(err))
		}
	}()
	return server
}
