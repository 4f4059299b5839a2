// Package docker wraps the Docker Engine SDK with the operations the
// harness needs: image pulls, container lifecycle and log streaming.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New dials the Docker daemon using environment defaults. A non-empty host
// overrides DOCKER_HOST.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the daemon. The node manifest relies on
// host networking, which only Linux daemons provide, so a foreign daemon OS
// fails here rather than at container start.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		return fmt.Errorf("daemon OS %q does not support host networking", ping.OSType)
	}
	return nil
}

// APIVersion returns the negotiated Engine API version.
func (c *Client) APIVersion() string {
	if c == nil || c.inner == nil {
		return ""
	}
	return c.inner.ClientVersion()
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
