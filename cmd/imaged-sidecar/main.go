// imaged-sidecar is the ImAged secure backend process.
//
// It is launched by the host GUI with its stdin/stdout connected to the
// host: stdout carries only protocol lines, all logging goes to stderr.
// The process exits 0 on every termination path; failures are surfaced to
// the host in-band over the encrypted channel.
//
// Usage:
//
//	imaged-sidecar [options]
//
// Options:
//
//	-config       Operator config file path (default: config/config.json)
//	-master-key   Master key file path (default: config/master.key)
//	-log-level    Log level: error, warn, info, debug, trace (default: info)
//	-metrics-addr Optional address to serve Prometheus metrics on
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imaged/sidecar/pkg/backend"
	"github.com/imaged/sidecar/pkg/channel"
	"github.com/imaged/sidecar/pkg/config"
	"github.com/imaged/sidecar/pkg/keyring"
	"github.com/imaged/sidecar/pkg/ttl"
)

func main() {
	// Exit 0 on every path: the host watches the in-band channel, and a
	// non-zero exit would only trigger error dialogs on its side.
	run()
	os.Exit(0)
}

func run() {
	configPath := flag.String("config", "config/config.json", "operator config file path")
	masterKeyPath := flag.String("master-key", "config/master.key", "master key file path")
	logLevel := flag.String("log-level", "info", "log level: error, warn, info, debug, trace")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve Prometheus metrics on")
	flag.Parse()

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.Writer = os.Stderr // stdout belongs to the protocol
	loggerFactory.DefaultLogLevel = parseLogLevel(*logLevel)
	log := loggerFactory.NewLogger("imaged")

	kr, err := keyring.Load(keyring.Config{
		Path:          *masterKeyPath,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Errorf("load master key: %v", err)
		return
	}

	defaultTTL := ttl.DefaultTTL
	if cfg, err := config.Load(*configPath); err != nil {
		log.Warnf("load config: %v", err)
	} else if cfg.DefaultTTLHours > 0 {
		defaultTTL = cfg.DefaultTTL()
	}

	manager, err := ttl.NewManager(ttl.ManagerConfig{
		Keyring:       kr,
		DefaultTTL:    defaultTTL,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Errorf("create ttl manager: %v", err)
		return
	}

	service, err := backend.NewCommandService(backend.ServiceConfig{
		Manager:       manager,
		ConfigPath:    *configPath,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Errorf("create command service: %v", err)
		return
	}

	ch, err := channel.NewSecureChannel(channel.Config{
		Reader:        os.Stdin,
		Writer:        os.Stdout,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Errorf("create channel: %v", err)
		return
	}

	b, err := backend.New(backend.Config{
		Channel:       ch,
		Service:       service,
		LoggerFactory: loggerFactory,
		Metrics:       backend.NewMetrics(),
	})
	if err != nil {
		log.Errorf("create backend: %v", err)
		return
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		log.Errorf("backend terminated: %v", err)
	}
}

func serveMetrics(addr string, log logging.LeveledLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnf("metrics server: %v", err)
	}
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "error":
		return logging.LogLevelError
	case "warn":
		return logging.LogLevelWarn
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelInfo
	}
}
