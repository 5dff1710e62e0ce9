package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Connect opens a valkey client and verifies it with a PING.
func Connect(addr, password string, useTLS bool) (valkey.Client, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	}
	if useTLS {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		opts.TLSConfig = &tls.Config{ServerName: host}
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping %s: %w", addr, err)
	}
	return client, nil
}

// Healthy reports whether the client can reach the server.
func Healthy(ctx context.Context, client valkey.Client) error {
	return client.Do(ctx, client.B().Ping().Build()).Error()
}
