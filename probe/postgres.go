package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres connects and runs SELECT 1.
type Postgres struct {
	User     string
	Database string
	Timeout  time.Duration
}

func (p *Postgres) dsn(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "5432"
	}
	// N.B. default_query_exec_mode=exec because the default uses
	// statement caching, which doesn't work behind poolers.
	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=disable&default_query_exec_mode=exec", p.User, net.JoinHostPort(host, port), p.Database)
}

func (p *Postgres) Probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, p.dsn(addr))
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer conn.Close(ctx)

	var n int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&n); err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected result from SELECT 1")
	}

	return nil
}
