package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/flowcluster/events"
	"github.com/guseggert/flowcluster/manager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "flowcluster",
		Usage: "provisions, shares and terminates the clusters backing workflow executions",
		Commands: []*cli.Command{
			runCommand(),
			genCertsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the cluster manager daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "provider",
				Usage:   "The provisioning service. One of [emr,docker,local].",
				Value:   "emr",
				EnvVars: []string{"FLOWCLUSTER_PROVIDER"},
			},
			&cli.StringFlag{
				Name:    "emr-region",
				Usage:   "The AWS region of EMR clusters. Overrides cluster.emr.region from the defaults.",
				EnvVars: []string{"FLOWCLUSTER_EMR_REGION"},
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Where flow state is persisted. One of [memory,postgres].",
				Value:   "memory",
				EnvVars: []string{"FLOWCLUSTER_STORE"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "The PostgreSQL connection string, required with --store=postgres.",
				EnvVars: []string{"FLOWCLUSTER_DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP event receiver to listen on.",
				Value:   "0.0.0.0:8090",
				EnvVars: []string{"FLOWCLUSTER_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "tls-ca",
				Usage:   "CA cert PEM file. With --tls-cert and --tls-key, the receiver requires client certs signed by it.",
				EnvVars: []string{"FLOWCLUSTER_TLS_CA"},
			},
			&cli.StringFlag{
				Name:    "tls-cert",
				Usage:   "Server cert PEM file of the receiver.",
				EnvVars: []string{"FLOWCLUSTER_TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "tls-key",
				Usage:   "Server key PEM file of the receiver.",
				EnvVars: []string{"FLOWCLUSTER_TLS_KEY"},
			},
			&cli.StringFlag{
				Name:    "amqp-url",
				Usage:   "Consume flow events from this AMQP broker as well.",
				EnvVars: []string{"FLOWCLUSTER_AMQP_URL"},
			},
			&cli.StringFlag{
				Name:    "amqp-queue",
				Usage:   "The queue flow events are consumed from.",
				Value:   "flowcluster.events",
				EnvVars: []string{"FLOWCLUSTER_AMQP_QUEUE"},
			},
			&cli.StringFlag{
				Name:    "engine-url",
				Usage:   "Base URL of the workflow engine API, used to kill flows whose cluster could not be set up.",
				EnvVars: []string{"FLOWCLUSTER_ENGINE_URL"},
			},
			&cli.StringFlag{
				Name:    "engine-tls-ca",
				Usage:   "CA cert PEM file for the engine API. With --engine-tls-cert and --engine-tls-key, enables mTLS.",
				EnvVars: []string{"FLOWCLUSTER_ENGINE_TLS_CA"},
			},
			&cli.StringFlag{
				Name:    "engine-tls-cert",
				Usage:   "Client cert PEM file for the engine API.",
				EnvVars: []string{"FLOWCLUSTER_ENGINE_TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "engine-tls-key",
				Usage:   "Client key PEM file for the engine API.",
				EnvVars: []string{"FLOWCLUSTER_ENGINE_TLS_KEY"},
			},
			&cli.StringFlag{
				Name:    "defaults",
				Usage:   "YAML file of global cluster properties. Searched upward from the working directory as " + defaultsFileName + " if unset.",
				EnvVars: []string{"FLOWCLUSTER_DEFAULTS"},
			},
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "Global cluster property as key=value, applied over the defaults file. Repeatable.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"FLOWCLUSTER_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:    "janitor-interval",
				Usage:   "How often bookkeeping of terminated clusters is swept. 0 disables the sweep.",
				Value:   10 * time.Minute,
				EnvVars: []string{"FLOWCLUSTER_JANITOR_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long in-flight HTTP requests get on shutdown.",
				Value: 30 * time.Second,
			},
		},
		Action: runDaemon,
	}
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func runDaemon(cliCtx *cli.Context) error {
	log, err := buildLogger(cliCtx.String("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	defaults, defaultsPath, err := loadDefaults(cliCtx.String("defaults"), wd, cliCtx.StringSlice("set"))
	if err != nil {
		return err
	}
	if defaultsPath != "" {
		log.Infof("loaded %d default properties from %s", len(defaults), defaultsPath)
	}

	service, err := buildService(cliCtx.String("provider"), cliCtx.String("emr-region"), defaults, log)
	if err != nil {
		return err
	}

	st, closeStore, err := buildStore(ctx, cliCtx.String("store"), cliCtx.String("database-url"))
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []manager.Option{
		manager.WithLogger(log),
		manager.WithStore(st),
		manager.WithDefaults(defaults),
		manager.WithMetricsRegisterer(reg),
	}
	killer, err := buildKiller(cliCtx, log)
	if err != nil {
		return err
	}
	if killer != nil {
		opts = append(opts, manager.WithKiller(killer))
	} else {
		log.Warn("no --engine-url given, flows that cannot get a cluster will not be killed")
	}

	m, err := manager.New(service, opts...)
	if err != nil {
		return fmt.Errorf("building cluster manager: %w", err)
	}

	// in-flight events are handled to completion on shutdown
	dispatcher := events.NewDispatcher(context.Background(), m, st, log)

	receiverOpts := []events.ReceiverOption{
		events.WithListenAddr(cliCtx.String("listen-addr")),
		events.WithGatherer(reg),
		events.WithRegistry(m.Registry()),
	}
	tlsConfig, err := serverTLS(cliCtx)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		receiverOpts = append(receiverOpts, events.WithTLSConfig(tlsConfig))
	}
	receiver := events.NewReceiver(log, dispatcher, receiverOpts...)

	if interval := cliCtx.Duration("janitor-interval"); interval > 0 {
		janitor := m.NewJanitor(interval)
		janitor.Start()
		defer janitor.Stop()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(receiver.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCtx.Duration("shutdown-timeout"))
		defer cancel()
		return receiver.Stop(shutdownCtx)
	})
	if url := cliCtx.String("amqp-url"); url != "" {
		consumer := events.NewConsumer(url, cliCtx.String("amqp-queue"), log, dispatcher)
		group.Go(func() error { return consumer.Run(groupCtx) })
	}

	err = group.Wait()
	log.Info("waiting for in-flight events to be handled")
	dispatcher.Wait()
	return err
}

func genCertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen-certs",
		Usage: "generate a CA and the server/client certs for mTLS between the engine and the receiver",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "host",
				Usage: "IP or DNS name the server cert is valid for. Repeatable.",
				Value: cli.NewStringSlice("localhost", "127.0.0.1"),
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory the PEM files are written to.",
				Value: ".",
			},
			&cli.DurationFlag{
				Name:  "valid-for",
				Usage: "How long the certs are valid.",
				Value: 365 * 24 * time.Hour,
			},
		},
		Action: func(cliCtx *cli.Context) error {
			certs, err := events.GenerateCerts(cliCtx.StringSlice("host"), cliCtx.Duration("valid-for"))
			if err != nil {
				return fmt.Errorf("generating certs: %w", err)
			}
			if err := certs.WriteFiles(cliCtx.String("dir")); err != nil {
				return fmt.Errorf("writing certs: %w", err)
			}
			fmt.Fprintf(cliCtx.App.Writer, "wrote certs to %s\n", cliCtx.String("dir"))
			return nil
		},
	}
}
