// Package probe implements application liveness checks against a
// candidate endpoint, plus a bounded fixed-delay retry helper.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Prober checks whether the application answers at addr (host:port). A
// nil error means alive.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// Spec selects and configures a prober.
type Spec struct {
	// Kind is one of "tcp" (default), "http", "postgres" or "mongo".
	Kind string `yaml:"kind"`

	// Path is the request path for http probes.
	Path string `yaml:"path"`

	// User and Database are used by postgres probes.
	User     string `yaml:"user"`
	Database string `yaml:"database"`

	Timeout time.Duration `yaml:"timeout"`
}

const defaultTimeout = 2 * time.Second

// New builds the prober described by spec.
func New(spec Spec) (Prober, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch spec.Kind {
	case "", "tcp":
		return &TCP{Timeout: timeout}, nil
	case "http":
		return &HTTP{Path: spec.Path, Client: &http.Client{Timeout: timeout}}, nil
	case "postgres":
		user := spec.User
		if user == "" {
			user = "postgres"
		}
		return &Postgres{User: user, Database: spec.Database, Timeout: timeout}, nil
	case "mongo":
		return &Mongo{Timeout: timeout}, nil
	}
	return nil, fmt.Errorf("unknown probe kind %q", spec.Kind)
}

// TCP treats a completed connect as alive.
type TCP struct {
	Timeout time.Duration
}

func (p *TCP) Probe(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", addr, err)
	}
	return conn.Close()
}

// HTTP treats any response below 400 as alive.
type HTTP struct {
	Path   string
	Client *http.Client
}

func (p *HTTP) Probe(ctx context.Context, addr string) error {
	path := p.Path
	if path == "" {
		path = "/"
	}
	url := "http://" + addr + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("http probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
