package main

import (
	"context"
	"crypto/tls"
	"fmt"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/cluster/docker"
	"github.com/guseggert/flowcluster/cluster/emr"
	"github.com/guseggert/flowcluster/cluster/local"
	"github.com/guseggert/flowcluster/events"
	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/store"
	"github.com/guseggert/flowcluster/store/postgres"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func buildService(provider, region string, defaults flow.Props, log *zap.SugaredLogger) (clusteriface.Service, error) {
	switch provider {
	case "emr":
		if region == "" {
			region = defaults.String(emr.KeyRegion, emr.DefaultRegion)
		}
		log.Infof("provisioning EMR clusters in %s", region)
		return emr.NewService().WithLogger(log).WithRegion(region), nil
	case "docker":
		s, err := docker.NewService()
		if err != nil {
			return nil, fmt.Errorf("building Docker service: %w", err)
		}
		return s.WithLogger(log), nil
	case "local":
		log.Warn("using the in-memory provider, clusters only exist inside this process")
		return local.NewService(), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// buildStore returns the flow store and a func releasing its resources.
func buildStore(ctx context.Context, kind, databaseURL string) (store.Store, func(), error) {
	switch kind {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres":
		if databaseURL == "" {
			return nil, nil, fmt.Errorf("--database-url is required with --store=postgres")
		}
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensuring schema: %w", err)
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", kind)
	}
}

func buildKiller(cliCtx *cli.Context, log *zap.SugaredLogger) (*events.HTTPKiller, error) {
	url := cliCtx.String("engine-url")
	if url == "" {
		return nil, nil
	}
	var opts []events.KillerOption
	tlsConfig, err := loadTLS(cliCtx, "engine-tls-ca", "engine-tls-cert", "engine-tls-key", events.ClientTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("loading engine TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, events.WithClientTLSConfig(tlsConfig))
	}
	return events.NewHTTPKiller(log, url, opts...), nil
}

func serverTLS(cliCtx *cli.Context) (*tls.Config, error) {
	c, err := loadTLS(cliCtx, "tls-ca", "tls-cert", "tls-key", events.ServerTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("loading receiver TLS config: %w", err)
	}
	return c, nil
}

// loadTLS builds a TLS config from the three PEM file flags, or returns nil if none is set.
func loadTLS(cliCtx *cli.Context, caFlag, certFlag, keyFlag string, build func(ca, cert, key []byte) (*tls.Config, error)) (*tls.Config, error) {
	caFile, certFile, keyFile := cliCtx.String(caFlag), cliCtx.String(certFlag), cliCtx.String(keyFlag)
	if caFile == "" && certFile == "" && keyFile == "" {
		return nil, nil
	}
	if caFile == "" || certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("--%s, --%s and --%s must be set together", caFlag, certFlag, keyFlag)
	}
	ca, cert, key, err := events.ReadPEMFiles(caFile, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return build(ca, cert, key)
}
