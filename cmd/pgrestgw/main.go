package main

import (
	"context"
	"flag"
	"os"
	"time"

	"pgrestgw/pkg/config"
	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/ledger"
	"pgrestgw/pkg/log"
	"pgrestgw/pkg/metrics"
	"pgrestgw/pkg/platform/process"
	"pgrestgw/pkg/platform/upstream"
	"pgrestgw/pkg/server/gateway"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultLedgerRetention = 7 * 24 * time.Hour
)

type flags struct {
	configPath      string
	addr            string
	platform        string
	upstreamURL     string
	command         string
	dbPath          string
	debug           bool
	logJSON         bool
	poolSize        int
	lbStrategy      string
	probeAttempts   int
	probeBackoff    time.Duration
	probeDeadline   time.Duration
	forwardTimeout  time.Duration
	retryMax        int
	ledgerRetention time.Duration
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&f.addr, "addr", config.DefaultListen, "Gateway listen address")
	flag.StringVar(&f.platform, "platform", config.PlatformUpstream, "Instance platform: upstream or process")
	flag.StringVar(&f.upstreamURL, "upstream", config.DefaultUpstreamURL, "Upstream URL template, {name} is replaced with the instance name")
	flag.StringVar(&f.command, "command", "", "Backend command for the process platform (e.g., postgrest)")
	flag.StringVar(&f.dbPath, "db", "", "SQLite database path for the instance event ledger")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.logJSON, "log-json", false, "Write logs as JSON")
	flag.IntVar(&f.poolSize, "pool-size", config.DefaultPoolSize, "Number of instances behind /api/lb")
	flag.StringVar(&f.lbStrategy, "lb-strategy", string(instance.StrategyRandom), "Pool selection: random or round-robin")
	flag.IntVar(&f.probeAttempts, "probe-attempts", instance.DefaultProbeAttempts, "Readiness probe attempts")
	flag.DurationVar(&f.probeBackoff, "probe-backoff", instance.DefaultProbeBackoff, "Wait between readiness probe attempts")
	flag.DurationVar(&f.probeDeadline, "probe-deadline", instance.DefaultProbeDeadline, "Overall readiness deadline")
	flag.DurationVar(&f.forwardTimeout, "forward-timeout", instance.DefaultForwardTimeout, "Forwarded request timeout")
	flag.IntVar(&f.retryMax, "retry-max", 0, "Connection error retries in the upstream client")
	flag.DurationVar(&f.ledgerRetention, "ledger-retention", defaultLedgerRetention, "Prune ledger events older than this at startup")
	flag.Parse()
	return f
}

// loadConfig reads the optional file and applies only the flags given on
// the command line.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Listen = f.addr
		case "platform":
			cfg.Platform.Kind = f.platform
		case "upstream":
			cfg.Platform.Upstream.URL = f.upstreamURL
		case "command":
			cfg.Platform.Process.Command = f.command
		case "db":
			cfg.DB = f.dbPath
		case "debug":
			cfg.Debug = f.debug
		case "log-json":
			cfg.LogJSON = f.logJSON
		case "pool-size":
			cfg.Pool.Size = f.poolSize
		case "lb-strategy":
			cfg.Pool.Strategy = f.lbStrategy
		case "probe-attempts":
			cfg.Probe.Attempts = f.probeAttempts
		case "probe-backoff":
			cfg.Probe.Backoff = config.Duration(f.probeBackoff)
		case "probe-deadline":
			cfg.Probe.Deadline = config.Duration(f.probeDeadline)
		case "forward-timeout":
			cfg.Forward.Timeout = config.Duration(f.forwardTimeout)
		case "retry-max":
			cfg.Platform.Upstream.RetryMax = f.retryMax
		}
	})

	return cfg, cfg.Validate()
}

func main() {
	f := parseFlags()

	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Configure(os.Stderr, cfg.LogJSON)
	if cfg.Debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	observers := instance.Observers{instance.NewLogObserver(), metrics.New(reg)}

	var (
		store    *ledger.Store
		recorder *ledger.Recorder
	)
	if cfg.DB != "" {
		store, err = ledger.NewStore(cfg.DB)
		if err != nil {
			log.Fatal().Err(err).Str("db", cfg.DB).Msg("Failed to open ledger")
		}
		if removed, err := store.Prune(context.Background(), time.Now().Add(-f.ledgerRetention)); err != nil {
			log.Warn().Err(err).Msg("Failed to prune ledger")
		} else if removed > 0 {
			log.Info().Int64("removed", removed).Msg("Pruned ledger events")
		}
		recorder = ledger.NewRecorder(store, ledger.DefaultQueueSize)
		observers = append(observers, recorder)
	}

	var (
		platform  instance.Platform
		processes *process.Platform
	)
	switch cfg.Platform.Kind {
	case config.PlatformProcess:
		processes, err = process.New(cfg.ProcessPlatform())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create process platform")
		}
		platform = processes
	default:
		platform, err = upstream.New(cfg.UpstreamPlatform())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create upstream platform")
		}
	}

	strategy, _ := instance.ParseStrategy(cfg.Pool.Strategy)

	registry := instance.NewRegistry(platform, instance.SystemClock, observers)
	prober := instance.NewProber(cfg.ProbeSettings(), instance.SystemClock, observers)
	forwarder := instance.NewForwarder(cfg.Forward.Timeout.Duration(), observers)
	balancer := instance.NewLoadBalancer(registry, strategy, observers)
	service := instance.NewService(registry, prober, forwarder, balancer)

	if processes != nil {
		processes.OnRecycle(registry.Recycled)
		processes.Start()
	}

	log.Info().
		Str("platform", cfg.Platform.Kind).
		Int("probe_attempts", cfg.Probe.Attempts).
		Dur("probe_backoff", cfg.Probe.Backoff.Duration()).
		Dur("probe_deadline", cfg.Probe.Deadline.Duration()).
		Dur("forward_timeout", cfg.Forward.Timeout.Duration()).
		Str("lb_strategy", string(strategy)).
		Msg("Configured gateway")

	server := gateway.NewGatewayServer(service, cfg.Pool.Size, cfg.ShutdownTimeout.Duration())
	server.SetGatherer(reg)
	if store != nil {
		server.SetEventSource(store)
	}

	if err := server.Start(cfg.Listen); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	if processes != nil {
		processes.Stop()
	}
	if store != nil {
		recorder.Close()
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger")
		}
	}

	os.Exit(0)
}
