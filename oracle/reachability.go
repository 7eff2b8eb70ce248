// Package oracle wraps the external checks the gate relies on: TCP
// reachability, IP reputation and the Flux node benchmark endpoint. Each
// check returns nil for pass and an error explaining the rejection
// otherwise; transport failures are rejections too.
package oracle

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

type TCPReachability struct {
	Timeout time.Duration
}

func NewTCPReachability(timeout time.Duration) *TCPReachability {
	return &TCPReachability{Timeout: timeout}
}

func (r *TCPReachability) Reachable(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: r.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("unreachable %s: %w", addr, err)
	}
	return conn.Close()
}
