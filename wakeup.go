package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WakeupPacket asks a daemon to run a pass for an application now
// instead of waiting for the next tick.
type WakeupPacket struct {
	AppName string `json:"app_name"`
	Sender  string `json:"sender"`
}

// WakeupManager sends and receives wakeup packets. Every registered
// application gets its own channel.
type WakeupManager struct {
	port     int
	nodeName string
	log      *zap.Logger

	mu       sync.Mutex
	channels map[string]chan struct{}
}

func NewWakeupManager(port int, nodeName string, log *zap.Logger) *WakeupManager {
	return &WakeupManager{
		port:     port,
		nodeName: nodeName,
		log:      log.Named("wakeup"),
		channels: map[string]chan struct{}{},
	}
}

// Register returns the wakeup channel of app. It holds at most one
// pending wakeup.
func (w *WakeupManager) Register(app string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.channels[app]
	if !ok {
		ch = make(chan struct{}, 1)
		w.channels[app] = ch
	}
	return ch
}

func (w *WakeupManager) deliver(packet WakeupPacket) bool {
	w.mu.Lock()
	ch, ok := w.channels[packet.AppName]
	w.mu.Unlock()
	if !ok {
		w.log.Warn("Received wakeup for unknown app", zap.String("app", packet.AppName), zap.String("sender", packet.Sender))
		return false
	}

	select {
	case ch <- struct{}{}:
		w.log.Info("Received wakeup", zap.String("app", packet.AppName), zap.String("sender", packet.Sender))
	default:
		// A wakeup is already pending.
	}
	return true
}

// Listen reads packets until ctx is done. The socket is bound before
// Listen returns, the read loop runs in the background.
func (w *WakeupManager) Listen(ctx context.Context) (net.Addr, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: w.port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", w.port, err)
	}

	go func() {
		defer conn.Close()

		buffer := make([]byte, 1024)
		for ctx.Err() == nil {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				w.log.Warn("Error reading UDP packet", zap.Error(err))
				continue
			}

			var packet WakeupPacket
			if err := json.Unmarshal(buffer[:n], &packet); err != nil {
				w.log.Warn("Failed to unmarshal wakeup packet", zap.Error(err))
				continue
			}
			w.deliver(packet)
		}
	}()

	return conn.LocalAddr(), nil
}

// Send delivers a wakeup for app to every host.
func (w *WakeupManager) Send(ctx context.Context, app string, hosts []string) error {
	data, err := json.Marshal(WakeupPacket{AppName: app, Sender: w.nodeName})
	if err != nil {
		return fmt.Errorf("failed to marshal wakeup packet: %w", err)
	}

	var dialer net.Dialer
	var errs error
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(w.port))
		conn, err := dialer.DialContext(ctx, "udp", addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to connect to %s: %w", addr, err))
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, err = conn.Write(data)
		conn.Close()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to send wakeup to %s: %w", addr, err))
			continue
		}
		w.log.Info("Sent wakeup", zap.String("app", app), zap.String("host", addr))
	}
	return errs
}
