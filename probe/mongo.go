package probe

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo connects directly to the node and pings it.
type Mongo struct {
	Timeout time.Duration
}

func (p *Mongo) clientOptions(addr string) *options.ClientOptions {
	return options.Client().
		ApplyURI("mongodb://" + addr).
		SetDirect(true).
		SetConnectTimeout(p.Timeout).
		SetServerSelectionTimeout(p.Timeout)
}

func (p *Mongo) Probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, p.clientOptions(addr))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping %s: %w", addr, err)
	}
	return nil
}
