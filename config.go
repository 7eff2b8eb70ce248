package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"fluxdnsd/probe"
)

type config struct {
	command       string
	configFile    string
	logLevel      string
	logFormat     string
	interval      time.Duration
	listenAddress string
	wakeupPort    int
	wakeupHosts   []string
	nodeName      string
	dryRun        bool

	storeKind   string
	stateDir    string
	etcdHost    string
	etcdPort    string
	etcdPrefix  string
	dynamoTable string

	dnsAPIURL    string
	dnsToken     string
	dnsAccountID string
	dnsTTL       int

	peers       []string
	nodeListURL string
	peerSample  int
	peerTimeout time.Duration

	reputationURL      string
	fraudThreshold     int
	reputationCacheTTL time.Duration
	benchmark          bool
	gateTimeout        time.Duration

	apps []AppSpec
}

// envLookup reads environment variables. Tests substitute a map.
type envLookup func(key string) string

// envDefaults turns environment variables into flag defaults, so flags
// given on the command line still win.
type envDefaults struct {
	getenv envLookup
	errs   []error
}

func (e *envDefaults) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envDefaults) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// duration accepts Go durations ("5s") and bare milliseconds ("5000").
func (e *envDefaults) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func parseFlags(args []string, getenv envLookup, output io.Writer) (config, error) {
	env := &envDefaults{getenv: getenv}
	fs := flag.NewFlagSet("fluxdnsd", flag.ContinueOnError)
	fs.SetOutput(output)

	configFile := fs.String("config", env.str("FLUXDNSD_CONFIG", ""), "YAML file listing the applications to manage")
	logLevel := fs.String("log-level", env.str("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", env.str("LOG_FORMAT", "json"), "Log format (json or console)")
	interval := fs.Duration("interval", env.duration("PASS_INTERVAL", time.Minute), "Time between reconciliation passes")
	addr := fs.String("listen", env.str("LISTEN_ADDRESS", ""), "Address for /metrics and /health (disabled when empty)")
	wakeupPort := fs.Int("wakeup-port", env.int("WAKEUP_PORT", 0), "UDP port for wakeup packets (disabled when 0)")
	wakeupHosts := fs.String("wakeup-hosts", env.str("WAKEUP_HOSTS", "127.0.0.1"), "CSV of hosts the wakeup command sends to")
	nodeName := fs.String("node-name", env.str("NODE_NAME", ""), "Name of this controller instance (defaults to hostname)")
	dryRun := fs.Bool("dry-run", false, "Keep DNS records in memory instead of calling the provider")

	storeKind := fs.String("store", env.str("STATE_STORE", "file"), "Cluster state store (file, etcd, dynamodb, memory)")
	stateDir := fs.String("state-dir", env.str("STATE_DIR", "."), "Directory for file state")
	etcdHost := fs.String("etcd-host", env.str("ETCD_HOST", "127.0.0.1"), "etcd host")
	etcdPort := fs.String("etcd-port", env.str("ETCD_PORT", "2379"), "etcd port")
	etcdPrefix := fs.String("etcd-prefix", env.str("ETCD_PREFIX", "fluxdnsd"), "etcd key prefix")
	dynamoTable := fs.String("dynamodb-table", env.str("DYNAMODB_TABLE", "fluxdnsd-state"), "DynamoDB table name")

	dnsAPIURL := fs.String("dns-api-url", env.str("DNS_SERVER_API_URL", ""), "DNS provider API base URL")
	dnsToken := fs.String("dns-token", env.str("DNS_SERVER_API_TOKEN", ""), "DNS provider API token")
	dnsAccountID := fs.String("dns-account-id", env.str("DNS_SERVER_ACCOUNT_ID", ""), "DNS provider account id, used to find or create zones")
	dnsTTL := fs.Int("dns-ttl", env.int("DNS_TTL", 60), "TTL of records written")

	peers := fs.String("peers", env.str("FLUX_PEERS", ""), "CSV of discovery peers (ip, ip:port or URL)")
	nodeListURL := fs.String("node-list-url", env.str("FLUX_NODE_LIST_URL", ""), "URL returning the network's node list to sample peers from")
	peerSample := fs.Int("peer-sample", env.int("FLUX_PEER_SAMPLE", 10), "Number of peers asked per pass")
	peerTimeout := fs.Duration("peer-timeout", env.duration("FLUX_PEER_TIMEOUT", 5*time.Second), "Timeout of one peer query")

	reputationURL := fs.String("reputation-url", env.str("REPUTATION_URL", ""), "IP reputation API (disabled when empty)")
	fraudThreshold := fs.Int("fraud-threshold", env.int("FRAUD_THRESHOLD", 74), "Reject candidates with a fraud score at or above this")
	reputationCacheTTL := fs.Duration("reputation-cache-ttl", env.duration("REPUTATION_CACHE_TTL", time.Hour), "How long reputation verdicts are cached")
	benchmark := fs.Bool("benchmark", true, "Require a sound node benchmark")
	gateTimeout := fs.Duration("gate-timeout", env.duration("GATE_TIMEOUT", 5*time.Second), "Timeout of each gate check")

	appName := fs.String("app-name", env.str("APP_NAME", ""), "Application name (single app mode)")
	appPort := fs.Int("app-port", env.int("APP_PORT", 0), "Application port")
	domains := fs.String("domain-name", env.str("DOMAIN_NAME", ""), "CSV of domain names")
	zoneID := fs.String("zone-id", env.str("ZONE_ID", ""), "DNS zone id")
	zoneName := fs.String("zone-name", env.str("ZONE_NAME", ""), "DNS zone name, used when no zone id is given")
	mode := fs.String("mode", env.str("DNS_MODE", modeMaster), "master or pool")
	retryCount := fs.Int("retry-count", env.int("RETRY_COUNT", 3), "Liveness attempts before a node is declared failed")
	retryInterval := fs.Duration("retry-interval", env.duration("RETRY_INTERVAL", 5*time.Second), "Wait between liveness attempts")
	recheck := fs.Duration("master-recheck-interval", env.duration("MASTER_RECHECK_INTERVAL", 0), "How often a healthy master is checked against consensus (0 disables)")
	extendedRoles := fs.Bool("extended-roles", false, "Alternate SECONDARY and TRIO roles")
	probeKind := fs.String("probe", env.str("PROBE_KIND", "tcp"), "Liveness probe (tcp, http, postgres, mongo)")
	probePath := fs.String("probe-path", env.str("PROBE_PATH", "/"), "Request path of http probes")
	probeUser := fs.String("probe-user", env.str("PROBE_USER", ""), "User of postgres probes")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: fluxdnsd [command] [options]\n")
		fmt.Fprintln(output, "Commands:")
		fmt.Fprintln(output, "  daemon      Reconcile every application periodically (default)")
		fmt.Fprintln(output, "  once        Run one pass for every application and exit")
		fmt.Fprintln(output, "  wakeup      Ask running daemons to start a pass now")
		fmt.Fprintln(output, "  init-table  Create the DynamoDB state table")
		fmt.Fprintln(output, "Options:")
		fs.PrintDefaults()
	}

	// Flags may come before or after the command.
	command := "daemon"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	if len(env.errs) > 0 {
		return config{}, fmt.Errorf("%w: bad environment: %v", errFatalConfig, env.errs)
	}

	switch command {
	case "daemon", "once", "wakeup", "init-table":
	default:
		return config{}, fmt.Errorf("unknown command %q", command)
	}

	if *nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return config{}, fmt.Errorf("failed to get hostname: %w", err)
		}
		*nodeName = hostname
	}

	conf := config{
		command:            command,
		configFile:         *configFile,
		logLevel:           *logLevel,
		logFormat:          *logFormat,
		interval:           *interval,
		listenAddress:      *addr,
		wakeupPort:         *wakeupPort,
		wakeupHosts:        splitCSV(*wakeupHosts),
		nodeName:           *nodeName,
		dryRun:             *dryRun,
		storeKind:          *storeKind,
		stateDir:           *stateDir,
		etcdHost:           *etcdHost,
		etcdPort:           *etcdPort,
		etcdPrefix:         *etcdPrefix,
		dynamoTable:        *dynamoTable,
		dnsAPIURL:          *dnsAPIURL,
		dnsToken:           *dnsToken,
		dnsAccountID:       *dnsAccountID,
		dnsTTL:             *dnsTTL,
		peers:              splitCSV(*peers),
		nodeListURL:        *nodeListURL,
		peerSample:         *peerSample,
		peerTimeout:        *peerTimeout,
		reputationURL:      *reputationURL,
		fraudThreshold:     *fraudThreshold,
		reputationCacheTTL: *reputationCacheTTL,
		benchmark:          *benchmark,
		gateTimeout:        *gateTimeout,
	}

	switch {
	case conf.configFile != "":
		apps, err := loadAppsFile(conf.configFile)
		if err != nil {
			return config{}, err
		}
		conf.apps = apps
	case *appName != "":
		conf.apps = []AppSpec{AppSpec{
			Name:                  *appName,
			Port:                  *appPort,
			DomainNames:           splitCSV(*domains),
			ZoneID:                *zoneID,
			ZoneName:              *zoneName,
			Mode:                  *mode,
			RetryCount:            *retryCount,
			RetryInterval:         *retryInterval,
			MasterRecheckInterval: *recheck,
			ExtendedRoles:         *extendedRoles,
			Probe: probe.Spec{
				Kind: *probeKind,
				Path: *probePath,
				User: *probeUser,
			},
		}.withDefaults()}
	}

	if len(conf.apps) == 0 && (command == "daemon" || command == "once") {
		return config{}, fmt.Errorf("%w: no applications configured, use -app-name or -config", errFatalConfig)
	}
	return conf, nil
}
