//go:build !linux

package bluez

import "context"

// Client is a no-op on platforms without BlueZ; bonded-device and session
// queries report empty sets and the engine relies on scanning alone.
type Client struct{}

func New() (*Client, error) { return &Client{}, nil }

func (c *Client) BondedDevices(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *Client) ConnectedSessions(ctx context.Context) ([]string, error) {
	return nil, nil
}
