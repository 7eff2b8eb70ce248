package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"fluxdnsd/dnsrecords"
	"fluxdnsd/probe"
)

// errFatalConfig marks configuration problems. They abort the passes of
// the affected application only.
var errFatalConfig = errors.New("invalid configuration")

const (
	modeMaster = "master"
	modePool   = "pool"
)

// AppSpec describes one application whose DNS is kept up to date.
type AppSpec struct {
	Name        string   `yaml:"name"`
	Port        int      `yaml:"port"`
	DomainNames []string `yaml:"domains"`
	ZoneID      string   `yaml:"zone_id"`
	ZoneName    string   `yaml:"zone_name"`

	// Mode is "master" (one record follows the elected master) or
	// "pool" (one record per healthy node).
	Mode string `yaml:"mode"`

	RetryCount            int           `yaml:"retry_count"`
	RetryInterval         time.Duration `yaml:"retry_interval"`
	MasterRecheckInterval time.Duration `yaml:"master_recheck_interval"`
	ExtendedRoles         bool          `yaml:"extended_roles"`

	Probe probe.Spec `yaml:"probe"`
}

func (a AppSpec) withDefaults() AppSpec {
	if a.Mode == "" {
		a.Mode = modeMaster
	}
	if a.RetryCount == 0 {
		a.RetryCount = 3
	}
	if a.RetryInterval == 0 {
		a.RetryInterval = 5 * time.Second
	}
	return a
}

// Validate checks the app settings. Every error wraps errFatalConfig.
func (a AppSpec) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: app %q: %s", errFatalConfig, a.Name, fmt.Sprintf(format, args...))
	}

	if a.Name == "" {
		return fail("app name is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fail("port %d out of range", a.Port)
	}
	if len(a.DomainNames) == 0 {
		return fail("at least one domain name is required")
	}
	for _, d := range a.DomainNames {
		if _, ok := dns.IsDomainName(d); !ok || d == "" {
			return fail("%q is not a domain name", d)
		}
	}
	if a.ZoneID == "" && a.ZoneName == "" {
		return fail("zone id or zone name is required")
	}
	if a.ZoneName != "" {
		if _, ok := dns.IsDomainName(a.ZoneName); !ok {
			return fail("%q is not a zone name", a.ZoneName)
		}
		for _, d := range a.DomainNames {
			if !dns.IsSubDomain(a.ZoneName, d) {
				return fail("domain %q is outside zone %q", d, a.ZoneName)
			}
		}
	}
	if a.Mode != modeMaster && a.Mode != modePool {
		return fail("unknown mode %q", a.Mode)
	}
	// Pool records are tagged with the app name.
	if a.Mode == modePool && strings.EqualFold(a.Name, dnsrecords.MasterComment) {
		return fail("pool mode app cannot be named %q", a.Name)
	}
	if a.RetryCount < 1 {
		return fail("retry count must be at least 1")
	}
	if a.RetryInterval < 0 || a.MasterRecheckInterval < 0 {
		return fail("intervals must not be negative")
	}
	if _, err := probe.New(a.Probe); err != nil {
		return fail("%v", err)
	}
	return nil
}

type appsFile struct {
	Apps []AppSpec `yaml:"apps"`
}

func loadAppsFile(path string) ([]AppSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseApps(data)
}

func parseApps(data []byte) ([]AppSpec, error) {
	var f appsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	seen := map[string]bool{}
	apps := make([]AppSpec, 0, len(f.Apps))
	for _, a := range f.Apps {
		a = a.withDefaults()
		if seen[a.Name] {
			return nil, fmt.Errorf("%w: app %q listed twice", errFatalConfig, a.Name)
		}
		seen[a.Name] = true
		apps = append(apps, a)
	}
	return apps, nil
}

// splitCSV splits a comma separated list, dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
