package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fluxdnsd/consensus"
	"fluxdnsd/dnsrecords"
	"fluxdnsd/gate"
	"fluxdnsd/metrics"
	"fluxdnsd/oracle"
	"fluxdnsd/statestore"
)

func main() {
	conf, err := parseFlags(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(conf.logLevel, conf.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, log); err != nil {
		log.Fatal("Fatal error", zap.Error(err))
	}
}

func run(ctx context.Context, conf config, log *zap.Logger) error {
	switch conf.command {
	case "wakeup":
		if conf.wakeupPort == 0 {
			return fmt.Errorf("%w: -wakeup-port is required", errFatalConfig)
		}
		w := NewWakeupManager(conf.wakeupPort, conf.nodeName, log)
		var errs error
		for _, app := range conf.apps {
			errs = multierr.Append(errs, w.Send(ctx, app.Name, conf.wakeupHosts))
		}
		return errs
	case "init-table":
		if conf.storeKind != "dynamodb" {
			return fmt.Errorf("%w: init-table needs -store dynamodb", errFatalConfig)
		}
		client, err := newDynamoDBClient(ctx)
		if err != nil {
			return err
		}
		return statestore.NewDynamoDBStore(client, conf.dynamoTable, "", log).InitTable(ctx)
	}

	stores, closeStores, err := newStoreFactory(ctx, conf, log)
	if err != nil {
		return err
	}
	defer closeStores()

	m := metrics.New()
	apps := buildApps(conf, stores, m, log)

	if conf.command == "once" {
		if fatal := runOnce(ctx, apps); fatal > 0 {
			return fmt.Errorf("%d of %d applications failed", fatal, len(apps))
		}
		return nil
	}

	var wakeups *WakeupManager
	if conf.wakeupPort != 0 {
		wakeups = NewWakeupManager(conf.wakeupPort, conf.nodeName, log)
	}
	err = daemon(ctx, conf, apps, wakeups, m, log)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutting down")
	return nil
}

type storeFactory func(app string) statestore.Store

func newStoreFactory(ctx context.Context, conf config, log *zap.Logger) (storeFactory, func(), error) {
	switch conf.storeKind {
	case "file":
		if err := os.MkdirAll(conf.stateDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		return func(app string) statestore.Store {
			return statestore.NewFileStore(conf.stateDir, app)
		}, func() {}, nil
	case "memory":
		return func(string) statestore.Store {
			return statestore.NewMemoryStore()
		}, func() {}, nil
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{net.JoinHostPort(conf.etcdHost, conf.etcdPort)},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return func(app string) statestore.Store {
			return statestore.NewEtcdStore(client, conf.etcdPrefix, app, log)
		}, func() { client.Close() }, nil
	case "dynamodb":
		client, err := newDynamoDBClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return func(app string) statestore.Store {
			return statestore.NewDynamoDBStore(client, conf.dynamoTable, app, log)
		}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown state store %q", errFatalConfig, conf.storeKind)
}

func newDynamoDBClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// gateFactory builds per-app gates sharing one set of oracles. Disabled
// oracles stay nil interfaces so the gate skips them.
func gateFactory(conf config, client *http.Client, log *zap.Logger) func(appPort int) *gate.Gate {
	reach := oracle.NewTCPReachability(conf.gateTimeout)
	var rep gate.Reputation
	if conf.reputationURL != "" {
		rep = oracle.NewReputationClient(conf.reputationURL, conf.fraudThreshold, client, 4096, conf.reputationCacheTTL)
	}
	var bench gate.Benchmark
	if conf.benchmark {
		bench = oracle.NewBenchmarkClient(client)
	}
	return func(appPort int) *gate.Gate {
		return gate.New(reach, rep, bench, appPort, conf.gateTimeout, log)
	}
}

func newDNSProvider(conf config, client *http.Client) (dnsrecords.Provider, dnsrecords.ZoneProvider) {
	if conf.dryRun {
		mem := dnsrecords.NewMemory(nil)
		return mem, mem
	}
	cf := dnsrecords.NewCloudflare(conf.dnsAPIURL, conf.dnsToken, client)
	return cf, cf
}

func buildApps(conf config, stores storeFactory, m *metrics.Metrics, log *zap.Logger) []*appReconciler {
	client := &http.Client{Timeout: 30 * time.Second}
	peers := consensus.NewPeerSource(conf.peers, conf.nodeListURL, conf.peerSample, client, log)
	resolver := consensus.NewResolver(peers, client, conf.peerTimeout, log)
	provider, zones := newDNSProvider(conf, client)
	newGate := gateFactory(conf, client, log)

	apps := make([]*appReconciler, 0, len(conf.apps))
	for _, app := range conf.apps {
		apps = append(apps, newAppReconciler(app, appDeps{
			store:     stores(app.Name),
			resolver:  resolver,
			gate:      newGate(app.Port),
			provider:  provider,
			zones:     zones,
			accountID: conf.dnsAccountID,
			ttl:       conf.dnsTTL,
			metrics:   m,
			log:       log,
		}))
	}
	return apps
}
