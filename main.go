package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/sluice/admin"
	"github.com/maxpert/sluice/agent"
	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/region"
	"github.com/maxpert/sluice/resource"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - pipe replication engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(cfg.Config.NodeID, cfg.Config.Prometheus.Enabled)
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pipe metas accepted by this node survive restarts
	store, err := meta.OpenStore(cfg.Config.GetMetaStorePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open pipe meta store")
		return
	}
	defer store.Close()

	resources := resource.NewManager(resource.Config{
		DataDir:                   cfg.Config.DataDir,
		MemoryBudgetBytes:         cfg.Config.Pipe.MemoryBudgetBytes,
		WALThrottleThresholdBytes: cfg.Config.Pipe.WALThrottleThresholdBytes,
		CompactionEnabled:         cfg.Config.Pipe.CompactionEnabled,
	})
	tracker := resource.NewRemainingTracker(cfg.Config.Pipe.RemainingRateSmoothing)

	dialer, closeDialer, err := newDialer(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize transfer transport")
		return
	}
	defer closeDialer()

	// The connectors report finished extractions to the agent created below
	var pipeAgent *agent.Agent
	connectors := connector.NewRegistry(connector.NewFactory(cfg.Config, dialer, connector.Options{
		Memory: resources,
		Rates:  tracker,
		OnTerminate: func(pipe string, region int32) {
			pipeAgent.MarkCompleted(pipe, region)
		},
	}))
	defer connectors.Close()

	log.Info().Msg("Initializing pipe task agent")
	pipeAgent = agent.New(agent.ConfigFromConfiguration(cfg.Config), agent.Deps{
		Regions:    region.NewStaticLister(cfg.Config.Regions),
		Resources:  resources,
		Tracker:    tracker,
		Connectors: connectors,
		Store:      store,
	})
	defer pipeAgent.Close()

	if err := pipeAgent.Recover(); err != nil {
		log.Warn().Err(err).Msg("Some pipes failed to recover")
	}
	go pipeAgent.Start(ctx)

	collector := telemetry.NewMetricsCollector(pipeAgent, time.Duration(cfg.Config.Agent.MetricsIntervalMS)*time.Millisecond)
	collector.Start()
	defer collector.Stop()

	// Receiver and admin API share one port
	handlers := admin.NewAdminHandlers(pipeAgent, connectors)
	server, err := startServer(cfg.Config.Server, transport.NewSinkReceiver(), admin.NewRouter(handlers, cfg.Config.Server.AdminSecret))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start listener")
		return
	}
	defer server.Stop()

	log.Info().Msg("Sluice started successfully")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

// newDialer creates the dialer of the configured transfer transport and its
// cleanup function
func newDialer(c *cfg.Configuration) (transport.Dialer, func(), error) {
	closer := func(name string, close func() error) func() {
		return func() {
			if err := close(); err != nil {
				log.Warn().Err(err).Str("transport", name).Msg("Failed to close transport")
			}
		}
	}

	switch c.Connector.Transport {
	case cfg.TransportKafka:
		d, err := transport.NewKafkaDialer(c.Connector.Kafka.Brokers, c.Connector.Kafka.Topic, c.Connector.Compression)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Strs("brokers", c.Connector.Kafka.Brokers).Str("topic", c.Connector.Kafka.Topic).Msg("Relaying transfers through Kafka")
		return d, closer("kafka", d.Close), nil
	case cfg.TransportNATS:
		d, err := transport.NewNATSDialer(c.Connector.NATS.URL, c.Connector.NATS.SubjectPrefix, c.Connector.Compression)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("url", c.Connector.NATS.URL).Msg("Relaying transfers through NATS JetStream")
		return d, closer("nats", d.Close), nil
	default:
		return transport.NewGRPCDialer(transport.OptionsFromConfig(c)), func() {}, nil
	}
}
